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

// Package kit expands a step's `uses:` shorthand into a concrete partial
// step (image, cmd, and optional caches/mounts/sources/env), resolving
// the kit name through a precedence chain: project alias, local kits/
// directory, built-in registry, then a module specifier.
package kit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// PartialMount and PartialCache mirror the pipeline package's Mount and
// Cache shapes but live here to avoid a dependency on it; the pipeline
// package converts these after merge.
type PartialMount struct {
	Host      string `yaml:"host" json:"host"`
	Container string `yaml:"container" json:"container"`
}

type PartialCache struct {
	Name      string `yaml:"name" json:"name"`
	Path      string `yaml:"path" json:"path"`
	Exclusive bool   `yaml:"exclusive" json:"exclusive"`
}

type PartialSetup struct {
	Cmd          []string `yaml:"cmd" json:"cmd"`
	Caches       []string `yaml:"caches" json:"caches"`
	AllowNetwork bool     `yaml:"allowNetwork" json:"allowNetwork"`
}

// PartialStep is what a kit's resolve function returns: everything a
// step can inherit from a kit, before the pipeline resolver merges in
// user-declared overrides.
type PartialStep struct {
	Image        string
	Cmd          []string
	Setup        *PartialSetup
	Caches       []PartialCache
	Mounts       []PartialMount
	Sources      []string
	Env          map[string]string
	AllowNetwork bool
}

// Source identifies which precedence tier served a kit name, exposed
// for `pipex kit list`-style introspection of kit shadowing.
type Source string

const (
	SourceAlias   Source = "alias"
	SourceLocal   Source = "local"
	SourceBuiltin Source = "builtin"
	SourceModule  Source = "module"
)

// Kit is a named macro: given params, it produces a PartialStep.
type Kit interface {
	Resolve(params map[string]any, ctx Context) (PartialStep, error)
}

// Context is passed to a kit's Resolve so it can see where it was
// loaded from and recursively resolve another kit if needed.
type Context struct {
	KitDir     string
	ResolveKit func(name string, params map[string]any) (PartialStep, error)
}

// KitFunc adapts a plain function to the Kit interface.
type KitFunc func(params map[string]any, ctx Context) (PartialStep, error)

func (f KitFunc) Resolve(params map[string]any, ctx Context) (PartialStep, error) {
	return f(params, ctx)
}

// Registry resolves kit names through the precedence chain described in
// the package doc comment.
type Registry struct {
	cwd     string
	aliases map[string]string // alias name -> kit name or path
	builtin map[string]Kit

	mu    sync.RWMutex
	local map[string]Kit // cache of loaded local kits, invalidated on fsnotify events
}

// NewRegistry returns a Registry rooted at cwd (used to find the local
// kits/ directory) with the built-in kits pre-registered.
func NewRegistry(cwd string, aliases map[string]string) *Registry {
	r := &Registry{
		cwd:     cwd,
		aliases: aliases,
		builtin: builtins(),
		local:   make(map[string]Kit),
	}
	return r
}

// Resolve looks up name through alias -> local -> builtin -> module and
// calls its Resolve with params.
func (r *Registry) Resolve(name string, params map[string]any) (PartialStep, Source, error) {
	if aliased, ok := r.aliases[name]; ok {
		name = aliased
	}

	if k, ok := r.loadLocal(name); ok {
		step, err := k.Resolve(params, r.contextFor(name))
		return step, SourceLocal, err
	}

	if k, ok := r.builtin[name]; ok {
		step, err := k.Resolve(params, r.contextFor(name))
		return step, SourceBuiltin, err
	}

	if strings.Contains(name, "/") || strings.HasPrefix(name, "@") {
		step, err := r.resolveModule(name, params)
		return step, SourceModule, err
	}

	return PartialStep{}, "", &pipexerrors.KitError{Code: pipexerrors.KitUnknown, Kit: name}
}

// Resolved reports which precedence tier would serve name, without
// actually invoking it — a read-only extension for kit introspection.
func (r *Registry) Resolved(name string) (Source, error) {
	if aliased, ok := r.aliases[name]; ok {
		name = aliased
	}
	if _, ok := r.loadLocal(name); ok {
		return SourceLocal, nil
	}
	if _, ok := r.builtin[name]; ok {
		return SourceBuiltin, nil
	}
	if strings.Contains(name, "/") || strings.HasPrefix(name, "@") {
		return SourceModule, nil
	}
	return "", &pipexerrors.KitError{Code: pipexerrors.KitUnknown, Kit: name}
}

func (r *Registry) contextFor(name string) Context {
	return Context{
		KitDir: filepath.Join(r.cwd, "kits", name),
		ResolveKit: func(childName string, params map[string]any) (PartialStep, error) {
			step, _, err := r.Resolve(childName, params)
			return step, err
		},
	}
}

// loadLocal checks <cwd>/kits/<name>/<entry> then <cwd>/kits/<name>.<ext>,
// caching the loaded manifest so repeated resolves in a wave don't
// re-read disk. The cache is invalidated wholesale by InvalidateLocal,
// which the dev-mode fsnotify watcher calls on any change under kits/.
func (r *Registry) loadLocal(name string) (Kit, bool) {
	r.mu.RLock()
	if k, ok := r.local[name]; ok {
		r.mu.RUnlock()
		return k, true
	}
	r.mu.RUnlock()

	dir := filepath.Join(r.cwd, "kits", name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		for _, entry := range []string{"kit.yaml", "kit.yml"} {
			path := filepath.Join(dir, entry)
			if k, err := loadManifest(path, dir); err == nil {
				r.cacheLocal(name, k)
				return k, true
			}
		}
	}

	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(r.cwd, "kits", name+ext)
		if k, err := loadManifest(path, filepath.Dir(path)); err == nil {
			r.cacheLocal(name, k)
			return k, true
		}
	}

	return nil, false
}

func (r *Registry) cacheLocal(name string, k Kit) {
	r.mu.Lock()
	r.local[name] = k
	r.mu.Unlock()
}

// InvalidateLocal drops the local-kit cache so the next Resolve call
// re-reads manifests from disk, used by the fsnotify dev-mode watcher.
func (r *Registry) InvalidateLocal() {
	r.mu.Lock()
	r.local = make(map[string]Kit)
	r.mu.Unlock()
}

// manifest is the on-disk shape of a local kit's kit.yaml.
type manifest struct {
	Image        string            `yaml:"image"`
	Cmd          []string          `yaml:"cmd"`
	Setup        *PartialSetup     `yaml:"setup"`
	Caches       []PartialCache    `yaml:"caches"`
	Mounts       []PartialMount    `yaml:"mounts"`
	Sources      []string          `yaml:"sources"`
	Env          map[string]string `yaml:"env"`
	AllowNetwork bool              `yaml:"allowNetwork"`
}

func loadManifest(path, kitDir string) (Kit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &pipexerrors.KitError{Code: pipexerrors.KitLoadFailed, Kit: path, Cause: err}
	}
	if m.Image == "" || len(m.Cmd) == 0 {
		return nil, &pipexerrors.KitError{Code: pipexerrors.KitInvalidExport, Kit: path}
	}

	return KitFunc(func(params map[string]any, ctx Context) (PartialStep, error) {
		return PartialStep{
			Image:        m.Image,
			Cmd:          m.Cmd,
			Setup:        m.Setup,
			Caches:       m.Caches,
			Mounts:       m.Mounts,
			Sources:      m.Sources,
			Env:          m.Env,
			AllowNetwork: m.AllowNetwork,
		}, nil
	}), nil
}

// resolveModule handles a kit name that looks like a package specifier
// (contains "/" or begins with "@"). Module-specifier kits are not
// bundled with the engine; this is the extension point a real
// deployment would wire to a package fetcher. Absent that collaborator,
// it reports a clear load failure rather than silently no-op-ing.
func (r *Registry) resolveModule(name string, params map[string]any) (PartialStep, error) {
	return PartialStep{}, &pipexerrors.KitError{
		Code:  pipexerrors.KitLoadFailed,
		Kit:   name,
		Cause: fmt.Errorf("module-specifier kits require an external resolver, none configured"),
	}
}
