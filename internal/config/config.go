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

package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is pipex's engine-wide defaults, loaded once at startup and
// overridden per-invocation by CLI flags, and per-step by pipeline
// definitions — never the other way around.
type Config struct {
	// Workdir is the root directory workspaces are created under when
	// a caller doesn't specify one explicitly.
	Workdir string `yaml:"workdir,omitempty"`

	// Concurrency bounds how many steps within a wave execute at once
	// when a run doesn't override it. Zero means unbounded.
	Concurrency int `yaml:"concurrency,omitempty"`

	// Retries is the default number of attempts a step's container
	// gets on a transient executor failure, before a step-level
	// override applies.
	Retries int `yaml:"retries,omitempty"`

	// TimeoutSeconds bounds a single step run when neither the step
	// nor the run overrides it. Zero means unbounded.
	TimeoutSeconds int `yaml:"timeoutSeconds,omitempty"`

	// KitsPath lists additional directories searched for local kit
	// manifests, beyond the pipeline's own root.
	KitsPath []string `yaml:"kitsPath,omitempty"`

	Log LogConfig `yaml:"log"`
}

// LogConfig mirrors internal/log.Config's fields for serialization;
// internal/log.FromEnv still takes precedence for any field an
// environment variable also sets.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// Default returns pipex's built-in defaults, used when no config file
// exists at ConfigPath.
func Default() *Config {
	return &Config{
		Concurrency:    0,
		Retries:        1,
		TimeoutSeconds: 0,
		Log:            LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads and parses the config file at path. A missing file is not
// an error — Default is returned instead, since every field here has a
// sane built-in fallback.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefaultPath loads the config file at ConfigPath, falling back to
// Default if ConfigDir cannot be determined (e.g. no home directory).
func LoadDefaultPath() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Default(), nil
	}
	return Load(path)
}
