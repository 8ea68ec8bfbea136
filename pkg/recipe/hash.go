// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// InputDigestFunc returns a digest of a step's inputs that live outside the
// recipe, such as the content of a copy source. An empty digest adds nothing.
type InputDigestFunc func(Step) (string, error)

// canonical renders s deterministically. encoding/json sorts map keys.
func (s Step) canonical() []byte {
	data, err := json.Marshal(s)
	if err != nil {
		// Step holds only strings, bools, slices and string maps.
		panic(fmt.Sprintf("recipe: marshal step: %v", err))
	}
	return data
}

func (r *Recipe) seed() string {
	h := sha256.New()
	for _, part := range []string{"kiln/recipe/v1", r.BaseImage, r.User, r.WorkDir, strings.Join(r.Path, ":"), strings.Join(r.Setup, "\n")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func chain(prev string, parts ...[]byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKeys returns len(Steps)+1 cumulative keys. Key 0 covers the base image
// and the privileged setup; key i+1 covers Steps[0..i]. inputs may be nil.
func (r *Recipe) CacheKeys(inputs InputDigestFunc) ([]string, error) {
	keys := make([]string, 0, len(r.Steps)+1)
	prev := r.seed()
	keys = append(keys, prev)
	for i, s := range r.Steps {
		var extra string
		if inputs != nil {
			d, err := inputs(s)
			if err != nil {
				return nil, fmt.Errorf("steps[%d] (%s): %w", i, s.Label(), err)
			}
			extra = d
		}
		prev = chain(prev, s.canonical(), []byte(extra))
		keys = append(keys, prev)
	}
	return keys, nil
}

// CumulativeHashes returns the running hash of every prefix of the recipe,
// seeded with the base image and principal.
func (r *Recipe) CumulativeHashes() []string {
	keys, _ := r.CacheKeys(nil)
	return keys
}

// Hash is the identity of the whole step sequence.
func (r *Recipe) Hash() string {
	keys := r.CumulativeHashes()
	return keys[len(keys)-1]
}
