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

package runner

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// mergeEnv combines the pipeline-wide env with a step's own env and
// envFile, global taking precedence over envFile, and envFile taking
// precedence over step.Env. No third-party dotenv parser is wired in for
// this: the format is a handful of KEY=VALUE lines, and every
// dotenv-style library in the ecosystem exists to solve process-wide
// .env loading (os.Setenv side effects, multiline values) this package
// has no use for — it only needs a map.
func mergeEnv(global, stepEnv map[string]string, root, envFile string) map[string]string {
	merged := make(map[string]string, len(global)+len(stepEnv))
	for k, v := range stepEnv {
		merged[k] = v
	}
	if envFile != "" {
		for k, v := range loadEnvFile(filepath.Join(root, envFile)) {
			merged[k] = v
		}
	}
	for k, v := range global {
		merged[k] = v
	}
	return merged
}

func loadEnvFile(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		out[key] = value
	}
	return out
}
