// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipeid validates the identifier and path grammar shared by
// pipelines, steps, caches, and mounts, and derives slugs from
// free-form display names.
package pipeid

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// slugPattern is the grammar every id (pipeline, step, cache name) must match.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// nonSlugRun matches any run of characters outside the slug alphabet, used
// to collapse a display name into dashes during slugification.
var nonSlugRun = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

var dashRun = regexp.MustCompile(`-+`)

// ValidateSlug checks that id matches the slug grammar and contains no
// path traversal sequence.
func ValidateSlug(field, id string) error {
	if id == "" {
		return &pipexerrors.ValidationError{Field: field, Message: "must not be empty"}
	}
	if strings.Contains(id, "..") {
		return &pipexerrors.ValidationError{Field: field, Message: "must not contain \"..\""}
	}
	if !slugPattern.MatchString(id) {
		return &pipexerrors.ValidationError{Field: field, Message: "must match ^[A-Za-z0-9_-]+$"}
	}
	return nil
}

// Slugify derives a slug from a free-form display name: transliterate
// accented letters to their closest ASCII equivalent, lowercase, replace
// any run of non-slug characters with a single dash, and trim leading and
// trailing dashes.
func Slugify(displayName string) string {
	ascii := transliterate(displayName)
	lower := strings.ToLower(ascii)
	dashed := nonSlugRun.ReplaceAllString(lower, "-")
	dashed = dashRun.ReplaceAllString(dashed, "-")
	return strings.Trim(dashed, "-")
}

// transliterate strips Unicode combining marks (accents, diaereses, etc.)
// by decomposing to NFKD and dropping the Mn (mark, nonspacing) category,
// turning "café" into "cafe" and "Müller" into "Muller".
func transliterate(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// ValidateMountHost checks that a mount's host path is relative (no
// leading slash) and that resolving it against root stays at or under
// root — no escaping the pipeline's working directory via "..".
func ValidateMountHost(root, host string) (string, error) {
	if strings.HasPrefix(host, "/") {
		return "", &pipexerrors.ValidationError{Field: "mount.host", Message: "must not be an absolute path"}
	}
	resolved := filepath.Join(root, host)
	cleanRoot := filepath.Clean(root)
	rel, err := filepath.Rel(cleanRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &pipexerrors.ValidationError{Field: "mount.host", Message: "resolves outside the working directory"}
	}
	return resolved, nil
}

// ValidateMountContainer checks that a mount's container path is absolute
// and contains no traversal segment.
func ValidateMountContainer(container string) error {
	if !strings.HasPrefix(container, "/") {
		return &pipexerrors.ValidationError{Field: "mount.container", Message: "must be an absolute path"}
	}
	if strings.Contains(container, "..") {
		return &pipexerrors.ValidationError{Field: "mount.container", Message: "must not contain \"..\""}
	}
	return nil
}

// ValidateCachePath checks that a cache's path is absolute.
func ValidateCachePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return &pipexerrors.ValidationError{Field: "cache.path", Message: "must be an absolute path"}
	}
	if strings.Contains(path, "..") {
		return &pipexerrors.ValidationError{Field: "cache.path", Message: "must not contain \"..\""}
	}
	return nil
}
