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

package pipeline

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/livingdata-co/pipex/internal/dag"
	"github.com/livingdata-co/pipex/internal/kit"
	"github.com/livingdata-co/pipex/internal/pipeid"
	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// KitResolver is the collaborator a Definition's `uses:` shorthand is
// expanded through. *kit.Registry satisfies this.
type KitResolver interface {
	Resolve(name string, params map[string]any) (kit.PartialStep, kit.Source, error)
}

// Resolve decodes def into a fully resolved Pipeline rooted at root,
// applying the rules in order: id derivation, kit expansion with
// user-wins merge, host-path normalization, identifier/path validation,
// duplicate detection, and graph construction with cycle detection.
func Resolve(def *Definition, root string, kits KitResolver) (*Pipeline, error) {
	id := def.ID
	if id == "" {
		if def.DisplayName == "" {
			return nil, &pipexerrors.ValidationError{Field: "id", Message: "pipeline must declare id or displayName"}
		}
		id = pipeid.Slugify(def.DisplayName)
	}
	if err := pipeid.ValidateSlug("id", id); err != nil {
		return nil, err
	}

	if len(def.Steps) == 0 {
		return nil, &pipexerrors.ValidationError{Field: "steps", Message: "pipeline must declare at least one step"}
	}

	steps := make([]Step, 0, len(def.Steps))
	seen := make(map[string]struct{}, len(def.Steps))

	for _, sd := range def.Steps {
		step, err := resolveStep(sd, root, kits)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[step.ID]; dup {
			return nil, &pipexerrors.ValidationError{Field: "step.id", Message: "duplicate step id \"" + step.ID + "\""}
		}
		seen[step.ID] = struct{}{}
		steps = append(steps, step)
	}

	p := &Pipeline{ID: id, DisplayName: def.DisplayName, Root: root, Steps: steps}

	if err := validateInputs(p, seen); err != nil {
		return nil, err
	}

	g := dag.Build(p.Dependencies())
	if _, err := dag.TopologicalLevels(g); err != nil {
		return nil, err
	}

	return p, nil
}

// resolveStep expands sd's kit (if any), merges user overrides with
// user-wins semantics, normalizes kit-provided mount hosts, and
// validates every identifier and path the step carries.
func resolveStep(sd StepDefinition, root string, kits KitResolver) (Step, error) {
	id := sd.ID
	if id == "" {
		if sd.DisplayName == "" {
			return Step{}, &pipexerrors.ValidationError{Field: "step.id", Message: "step must declare id or displayName"}
		}
		id = pipeid.Slugify(sd.DisplayName)
	}
	if err := pipeid.ValidateSlug("step.id", id); err != nil {
		return Step{}, err
	}

	step := Step{
		ID:           id,
		DisplayName:  sd.DisplayName,
		Image:        sd.Image,
		Cmd:          sd.Cmd,
		Env:          sd.Env,
		EnvFile:      sd.EnvFile,
		OutputPath:   sd.OutputPath,
		Sources:      sd.Sources,
		TimeoutSec:   sd.TimeoutSec,
		AllowFailure: sd.AllowFailure,
		AllowNetwork: sd.AllowNetwork,
		Retries:      sd.Retries,
		RetryDelayMs: sd.RetryDelayMs,
		If:           sd.If,
	}
	if step.OutputPath == "" {
		step.OutputPath = "/output"
	}
	for _, in := range sd.Inputs {
		step.Inputs = append(step.Inputs, Input{Step: in.Step, CopyToOutput: in.CopyToOutput, Optional: in.Optional})
	}
	for _, c := range sd.Caches {
		step.Caches = append(step.Caches, Cache{Name: c.Name, Path: c.Path, Exclusive: c.Exclusive})
	}
	for _, m := range sd.Mounts {
		step.Mounts = append(step.Mounts, Mount{Host: m.Host, Container: m.Container})
	}
	if sd.Setup != nil {
		step.Setup = &Setup{Cmd: sd.Setup.Cmd, Caches: sd.Setup.Caches, AllowNetwork: sd.Setup.AllowNetwork}
	}

	if sd.Uses != "" {
		partial, _, err := kits.Resolve(sd.Uses, sd.Params)
		if err != nil {
			return Step{}, err
		}
		mergeKit(&step, partial, root)
	}

	if step.Image == "" {
		return Step{}, &pipexerrors.ValidationError{Field: "step.image", Message: "image must not be empty"}
	}
	if len(step.Cmd) == 0 {
		return Step{}, &pipexerrors.ValidationError{Field: "step.cmd", Message: "cmd must not be empty"}
	}
	if step.Setup != nil && len(step.Setup.Cmd) == 0 {
		return Step{}, &pipexerrors.ValidationError{Field: "step.setup.cmd", Message: "setup.cmd must not be empty when setup is present"}
	}

	for _, m := range step.Mounts {
		if _, err := pipeid.ValidateMountHost(root, m.Host); err != nil {
			return Step{}, err
		}
		if err := pipeid.ValidateMountContainer(m.Container); err != nil {
			return Step{}, err
		}
	}
	for _, c := range step.Caches {
		if err := pipeid.ValidateSlug("cache.name", c.Name); err != nil {
			return Step{}, err
		}
		if err := pipeid.ValidateCachePath(c.Path); err != nil {
			return Step{}, err
		}
	}

	return step, nil
}

// mergeKit applies a kit's partial step into step with user-wins
// semantics: any field the user already set on step is left untouched;
// env is merged key-by-key (user keys win), caches are merged
// name-by-name (user entries win), mounts and sources concatenate with
// the kit's entries first.
func mergeKit(step *Step, partial kit.PartialStep, root string) {
	if step.Image == "" {
		step.Image = partial.Image
	}
	if len(step.Cmd) == 0 {
		step.Cmd = partial.Cmd
	}
	if step.Setup == nil && partial.Setup != nil {
		step.Setup = &Setup{
			Cmd:          partial.Setup.Cmd,
			Caches:       partial.Setup.Caches,
			AllowNetwork: partial.Setup.AllowNetwork,
		}
	}

	if len(partial.Env) > 0 {
		merged := make(map[string]string, len(partial.Env)+len(step.Env))
		for k, v := range partial.Env {
			merged[k] = v
		}
		for k, v := range step.Env {
			merged[k] = v
		}
		step.Env = merged
	}

	if len(partial.Caches) > 0 {
		byName := make(map[string]Cache, len(partial.Caches)+len(step.Caches))
		var order []string
		for _, c := range partial.Caches {
			byName[c.Name] = Cache{Name: c.Name, Path: c.Path, Exclusive: c.Exclusive}
			order = append(order, c.Name)
		}
		for _, c := range step.Caches {
			if _, exists := byName[c.Name]; !exists {
				order = append(order, c.Name)
			}
			byName[c.Name] = c
		}
		merged := make([]Cache, 0, len(order))
		for _, name := range order {
			merged = append(merged, byName[name])
		}
		step.Caches = merged
	}

	if len(partial.Mounts) > 0 {
		kitMounts := make([]Mount, 0, len(partial.Mounts))
		for _, m := range partial.Mounts {
			kitMounts = append(kitMounts, Mount{Host: normalizeKitHost(m.Host, root), Container: m.Container})
		}
		step.Mounts = append(kitMounts, step.Mounts...)
	}

	if len(partial.Sources) > 0 {
		step.Sources = append(append([]string(nil), partial.Sources...), step.Sources...)
	}

	if !step.AllowNetwork {
		step.AllowNetwork = partial.AllowNetwork
	}
}

// normalizeKitHost rewrites an absolute host path produced by a kit to
// be pipeline-root-relative when it falls under root, so a bundled
// pipeline stays portable when copied elsewhere. A path outside root,
// or one that is already relative, is returned unchanged.
func normalizeKitHost(host, root string) string {
	if !filepath.IsAbs(host) {
		return host
	}
	rel, err := filepath.Rel(root, host)
	if err != nil || strings.HasPrefix(rel, "..") {
		return host
	}
	return rel
}

// validateInputs checks that every input references a known step,
// unless the input is marked optional.
func validateInputs(p *Pipeline, known map[string]struct{}) error {
	for _, s := range p.Steps {
		for _, in := range s.Inputs {
			if _, ok := known[in.Step]; !ok && !in.Optional {
				return &pipexerrors.ValidationError{
					Field:   "step.inputs",
					Message: "step \"" + s.ID + "\" depends on unknown step \"" + in.Step + "\"",
				}
			}
		}
	}
	return nil
}

// sortedStepIDs is a small helper used by tests and diagnostics to list
// a pipeline's step ids in a stable order.
func sortedStepIDs(p *Pipeline) []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}
