// Package tally picks the winning card of a revealed round.
package tally

import (
	"sort"
	"strconv"
	"strings"
)

// Vote is a single cast vote.
type Vote struct {
	Name  string
	Value string
}

// Result is the outcome of a tally. Value is empty when nothing was counted.
type Result struct {
	Value   string
	Winners []string
	Counts  map[string]int
	Counted int
}

// HasWinner reports whether a winning value was selected.
func (r Result) HasWinner() bool {
	return r.Counted > 0 && r.Value != ""
}

// Strategy computes a round result from the cast votes.
type Strategy interface {
	Tally(votes []Vote) Result
}

// Majority is the default strategy: the value with the strictly highest count
// wins and ties are broken by the policy's preferences.
type Majority struct {
	Policy Policy
}

// NewMajority returns a majority strategy using p.
func NewMajority(p Policy) *Majority {
	return &Majority{Policy: p}
}

// Tally implements Strategy.
func (m *Majority) Tally(votes []Vote) Result {
	res := Result{Counts: make(map[string]int)}

	for _, v := range votes {
		if v.Value == "" {
			continue
		}
		if m.Policy.ExcludeSentinels && m.Policy.IsSentinel(v.Value) {
			continue
		}
		res.Counts[v.Value]++
		res.Counted++
	}
	if res.Counted == 0 {
		return res
	}

	values := make([]string, 0, len(res.Counts))
	for value := range res.Counts {
		values = append(values, value)
	}
	sort.Strings(values)

	best := values[0]
	for _, value := range values[1:] {
		switch {
		case res.Counts[value] > res.Counts[best]:
			best = value
		case res.Counts[value] == res.Counts[best] && m.Policy.Beats(value, best):
			best = value
		}
	}
	res.Value = best

	for _, v := range votes {
		if v.Value == best {
			res.Winners = append(res.Winners, v.Name)
		}
	}
	return res
}

// Beats reports whether a wins a tie against b.
func (p Policy) Beats(a, b string) bool {
	af, aNum := parseNumeric(a)
	bf, bNum := parseNumeric(b)

	if p.PreferNumeric && aNum != bNum {
		return aNum
	}
	if aNum && bNum && af != bf {
		if p.PreferLarger {
			return af > bf
		}
		return af < bf
	}
	return a > b
}

func parseNumeric(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
