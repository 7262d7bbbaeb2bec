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

package kit

import (
	"fmt"

	pipexerrors "github.com/livingdata-co/pipex/pkg/errors"
)

// builtins returns the small set of kits shipped with the engine:
// run a shell script, run a node-like script with an npm-cache setup
// phase, run a python-like script with a pip-cache setup phase.
func builtins() map[string]Kit {
	return map[string]Kit{
		"shell":  KitFunc(shellKit),
		"node":   KitFunc(nodeKit),
		"python": KitFunc(pythonKit),
	}
}

func stringParam(params map[string]any, name string, required bool) (string, error) {
	v, ok := params[name]
	if !ok {
		if required {
			return "", &pipexerrors.KitError{Code: pipexerrors.KitMissingParam, Param: name}
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &pipexerrors.KitError{Code: pipexerrors.KitUnsupportedParam, Param: name}
	}
	return s, nil
}

func shellKit(params map[string]any, ctx Context) (PartialStep, error) {
	script, err := stringParam(params, "script", true)
	if err != nil {
		return PartialStep{}, err
	}
	image, _ := stringParam(params, "image", false)
	if image == "" {
		image = "alpine:3.20"
	}
	return PartialStep{
		Image: image,
		Cmd:   []string{"sh", "-c", script},
	}, nil
}

func nodeKit(params map[string]any, ctx Context) (PartialStep, error) {
	script, err := stringParam(params, "script", true)
	if err != nil {
		return PartialStep{}, err
	}
	image, _ := stringParam(params, "image", false)
	if image == "" {
		image = "node:20-alpine"
	}
	return PartialStep{
		Image: image,
		Cmd:   []string{"node", "-e", script},
		Setup: &PartialSetup{
			Cmd:    []string{"sh", "-c", "[ -f package.json ] && npm ci || true"},
			Caches: []string{"npm"},
		},
		Caches: []PartialCache{{Name: "npm", Path: "/root/.npm", Exclusive: false}},
	}, nil
}

func pythonKit(params map[string]any, ctx Context) (PartialStep, error) {
	script, err := stringParam(params, "script", true)
	if err != nil {
		return PartialStep{}, err
	}
	image, _ := stringParam(params, "image", false)
	if image == "" {
		image = "python:3.12-alpine"
	}
	requirements, _ := stringParam(params, "requirements", false)
	setupCmd := "true"
	if requirements != "" {
		setupCmd = fmt.Sprintf("pip install -r %s", requirements)
	}
	return PartialStep{
		Image: image,
		Cmd:   []string{"python", "-c", script},
		Setup: &PartialSetup{
			Cmd:    []string{"sh", "-c", setupCmd},
			Caches: []string{"pip"},
		},
		Caches: []PartialCache{{Name: "pip", Path: "/root/.cache/pip", Exclusive: false}},
	}, nil
}
