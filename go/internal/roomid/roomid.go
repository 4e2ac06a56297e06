// Package roomid generates short human readable room ids like "brave-falcon-42".
package roomid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

var (
	adjectives = []string{"blue", "green", "red", "quick", "brave", "calm", "lucky", "bright", "kind", "bold"}
	nouns      = []string{"apple", "tiger", "river", "cloud", "mountain", "forest", "ocean", "star", "wolf", "falcon"}

	pattern = regexp.MustCompile(`^[a-z]+-[a-z]+-[0-9]{2}$`)
)

// New returns a random id. Collisions are possible and must be checked by the caller.
func New() string {
	return fmt.Sprintf("%s-%s-%d", adjectives[pick(len(adjectives))], nouns[pick(len(nouns))], 10+pick(90))
}

// Valid reports whether id has the shape produced by New.
func Valid(id string) bool {
	return pattern.MatchString(id)
}

func pick(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}
