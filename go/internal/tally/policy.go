package tally

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the card-set conventions used when tallying.
type Policy struct {
	Sentinels        []string `yaml:"sentinels"`
	ExcludeSentinels bool     `yaml:"exclude_sentinels"`
	PreferNumeric    bool     `yaml:"prefer_numeric"`
	PreferLarger     bool     `yaml:"prefer_larger"`
}

// DefaultPolicy excludes the usual "no estimate" cards and prefers the larger number on ties.
func DefaultPolicy() Policy {
	return Policy{
		Sentinels:        []string{"?", "pass", "coffee", "☕"},
		ExcludeSentinels: true,
		PreferNumeric:    true,
		PreferLarger:     true,
	}
}

// IsSentinel reports whether value is one of the policy's non-estimate cards.
func (p Policy) IsSentinel(value string) bool {
	value = strings.TrimSpace(value)
	for _, s := range p.Sentinels {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}

// LoadPolicy reads a YAML policy file. Keys missing from the file keep their
// DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read tally policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document on top of DefaultPolicy.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse tally policy: %w", err)
	}
	return p, nil
}
