package closure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidOperator  = errors.New("closure: invalid query operator")
	ErrInvalidVerb      = errors.New("closure: invalid query verb")
	ErrInvalidDirection = errors.New("closure: invalid order direction")
)

// Operator is a comparison allowed in a predicate. Only the constants
// below are valid; anything else is rejected before a query runs.
type Operator string

const (
	OpEq  Operator = "="
	OpLt  Operator = "<"
	OpGt  Operator = ">"
	OpLte Operator = "<="
	OpGte Operator = ">="
)

func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.TrimSpace(s))
	if !op.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperator, s)
	}
	return op, nil
}

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpLt, OpGt, OpLte, OpGte:
		return true
	}
	return false
}

// holds reports whether a comparison result c (-1, 0, 1) satisfies o.
func (o Operator) holds(c int) bool {
	switch o {
	case OpEq:
		return c == 0
	case OpLt:
		return c < 0
	case OpGt:
		return c > 0
	case OpLte:
		return c <= 0
	case OpGte:
		return c >= 0
	}
	return false
}

// Verb joins a predicate to the one before it. AND binds tighter than
// OR, so "a AND b OR c" reads as "(a AND b) OR c".
type Verb string

const (
	VerbAnd Verb = "AND"
	VerbOr  Verb = "OR"
)

func ParseVerb(s string) (Verb, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND":
		return VerbAnd, nil
	case "OR":
		return VerbOr, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVerb, s)
}

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc":
		return Asc, nil
	case "desc":
		return Desc, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}
