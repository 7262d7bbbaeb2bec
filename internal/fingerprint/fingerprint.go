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

// Package fingerprint computes the deterministic, content-free-but-
// configuration-sensitive hash used as the cache key for a step run.
//
// No canonical-JSON library is pulled in for this: Go's encoding/json
// already emits map keys in sorted order and with no insignificant
// whitespace, so a third-party canonicalization package would add a
// dependency without changing a single byte of output. Slices that are
// not semantically ordered (env entries, input run ids, mounts) are
// sorted by this package before marshaling.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"sort"
)

// Mount is the subset of mount fields that affect a step's observable
// behavior, in the shape the hasher wants: sorted by container path.
type Mount struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

// Setup carries only the setup fields that participate in the
// fingerprint. setup.env and setup.caches are deliberately excluded and
// have no field here.
type Setup struct {
	Cmd []string `json:"cmd"`
}

// Input is the set of values Fingerprint hashes over. A nil Setup means
// "no setup phase" and must hash differently from an empty Setup, so
// HasSetup captures presence independent of the Cmd slice's length.
type Input struct {
	Image        string
	Cmd          []string
	HasSetup     bool
	Setup        Setup
	Env          map[string]string
	InputRunIDs  []string
	Mounts       []Mount
}

// Compute returns the lowercase hex-encoded SHA-256 digest of the
// canonical byte sequence described by spec §4.2: image, cmd, optional
// setup, sorted env, sorted input run ids, mounts sorted by container
// path.
func Compute(in Input) string {
	h := sha256.New()
	writeField(h, []byte(in.Image))

	cmdJSON, _ := json.Marshal(in.Cmd)
	writeField(h, cmdJSON)

	if in.HasSetup {
		setupJSON, _ := json.Marshal(struct {
			Cmd []string `json:"cmd"`
		}{Cmd: in.Setup.Cmd})
		writeField(h, []byte("setup:present"))
		writeField(h, setupJSON)
	} else {
		writeField(h, []byte("setup:absent"))
	}

	if len(in.Env) > 0 {
		keys := make([]string, 0, len(in.Env))
		for k := range in.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sorted := make([][2]string, 0, len(keys))
		for _, k := range keys {
			sorted = append(sorted, [2]string{k, in.Env[k]})
		}
		envJSON, _ := json.Marshal(sorted)
		writeField(h, envJSON)
	}

	if len(in.InputRunIDs) > 0 {
		ids := append([]string(nil), in.InputRunIDs...)
		sort.Strings(ids)
		idsJSON, _ := json.Marshal(ids)
		writeField(h, idsJSON)
	}

	if len(in.Mounts) > 0 {
		mounts := append([]Mount(nil), in.Mounts...)
		sort.Slice(mounts, func(i, j int) bool {
			return mounts[i].Container < mounts[j].Container
		})
		mountsJSON, _ := json.Marshal(mounts)
		writeField(h, mountsJSON)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// writeField hashes length-prefixed fields so that, e.g., image="ab"+
// cmd=["c"] cannot collide with image="a"+cmd=["bc"]. A single raw
// concatenation would not have this property.
func writeField(h hash.Hash, b []byte) {
	var lenBuf [8]byte
	n := uint64(len(b))
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(n >> (8 * i))
	}
	h.Write(lenBuf[:])
	h.Write(b)
}
