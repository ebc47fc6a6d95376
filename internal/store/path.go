package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRulePath indicates a rule-path string that is not a
// '|'-separated list of integer rule ids.
var ErrInvalidRulePath = errors.New("invalid rule path")

// pathSep separates rule ids in the canonical rule-path form.
const pathSep = "|"

// RulePath is the ordered chain of rule ids one probe traverses.
type RulePath []int

// ParseRulePath parses the canonical "r1|r2|..." form.
func ParseRulePath(s string) (RulePath, error) {
	if s == "" {
		return nil, fmt.Errorf("empty string: %w", ErrInvalidRulePath)
	}
	parts := strings.Split(s, pathSep)
	p := make(RulePath, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, ErrInvalidRulePath)
		}
		p = append(p, id)
	}
	return p, nil
}

// String returns the canonical "r1|r2|..." form.
func (p RulePath) String() string {
	var b strings.Builder
	for i, id := range p {
		if i > 0 {
			b.WriteString(pathSep)
		}
		b.WriteString(strconv.Itoa(id))
	}
	return b.String()
}

// First returns the rule the probe is launched at.
func (p RulePath) First() int { return p[0] }

// Last returns the rule whose output decides the expected reporter.
func (p RulePath) Last() int { return p[len(p)-1] }

// Single reports whether the path tests exactly one rule.
func (p RulePath) Single() bool { return len(p) == 1 }
