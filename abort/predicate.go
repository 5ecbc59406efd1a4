package abort

import (
	"fmt"
	"strings"
)

// Predicate reports whether a signal value calls for an abort.
type Predicate func(v float64) bool

// Inequality is a comparison against a fixed limit.
type Inequality string

const (
	LessThan           Inequality = "<"
	LessThanOrEqual    Inequality = "<="
	GreaterThan        Inequality = ">"
	GreaterThanOrEqual Inequality = ">="
	Equal              Inequality = "=="
	NotEqual           Inequality = "!="
)

var inequalities = map[Inequality]func(v, limit float64) bool{
	LessThan:           func(v, limit float64) bool { return v < limit },
	LessThanOrEqual:    func(v, limit float64) bool { return v <= limit },
	GreaterThan:        func(v, limit float64) bool { return v > limit },
	GreaterThanOrEqual: func(v, limit float64) bool { return v >= limit },
	Equal:              func(v, limit float64) bool { return v == limit },
	NotEqual:           func(v, limit float64) bool { return v != limit },
}

// ParseInequality parses one of "<", "<=", ">", ">=", "==", "!=".
func ParseInequality(s string) (Inequality, error) {
	op := Inequality(strings.TrimSpace(s))
	if _, ok := inequalities[op]; !ok {
		return "", fmt.Errorf("unknown inequality %q", s)
	}

	return op, nil
}

// Compare returns the predicate "v <op> limit".
func Compare(op Inequality, limit float64) (Predicate, error) {
	cmp, ok := inequalities[op]
	if !ok {
		return nil, fmt.Errorf("unknown inequality %q", string(op))
	}

	return func(v float64) bool { return cmp(v, limit) }, nil
}
