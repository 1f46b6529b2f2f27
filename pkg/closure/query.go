package closure

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 5000
)

var ErrInvalidField = errors.New("closure: invalid field path")

// Predicate compares the value at Field with Value. Verb joins it to
// the previous predicate and is ignored on the first one.
type Predicate struct {
	Field    string
	Operator Operator
	Value    any
	Verb     Verb
}

type OrderBy struct {
	Field     string
	Direction Direction
}

// Query asks for the children of ObjectID, that is every member of its
// closure, filtered, sorted and paginated.
type Query struct {
	ObjectID string
	Select   []string
	Where    []Predicate
	OrderBy  *OrderBy
	Cursor   string
	Limit    int
}

// Validate checks operators, verbs, field paths and the cursor, then
// normalizes the limit, verbs and direction. It must pass before
// storage is read.
func (q *Query) Validate() error {
	if q.ObjectID == "" {
		return errors.New("closure: query has no object id")
	}
	for _, f := range q.Select {
		if _, err := ParseField(f); err != nil {
			return err
		}
	}
	for i := range q.Where {
		p := &q.Where[i]
		if !p.Operator.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidOperator, string(p.Operator))
		}
		v, err := ParseVerb(string(p.Verb))
		if err != nil {
			return err
		}
		p.Verb = v
		if _, err := ParseField(p.Field); err != nil {
			return err
		}
	}
	if q.OrderBy != nil {
		if _, err := ParseField(q.OrderBy.Field); err != nil {
			return err
		}
		d, err := ParseDirection(string(q.OrderBy.Direction))
		if err != nil {
			return err
		}
		q.OrderBy.Direction = d
	}
	if q.Cursor != "" {
		if _, err := DecodeCursor(q.Cursor); err != nil {
			return err
		}
	}

	switch {
	case q.Limit <= 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	return nil
}

// groups splits the predicates into OR-joined groups of AND-joined
// predicates.
func (q *Query) groups() [][]Predicate {
	var out [][]Predicate
	for i, p := range q.Where {
		if i == 0 || p.Verb == VerbOr {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], p)
	}
	return out
}

var (
	indexSuffix = regexp.MustCompile(`\[(\d+)\]`)
	segmentOK   = regexp.MustCompile(`^[^*?|#@\\\[\]]+$`)
)

// ParseField splits a dotted path with optional array indices, such as
// "nest.arr[0]", into its segments: ["nest", "arr", "0"].
func ParseField(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidField)
	}
	flat := indexSuffix.ReplaceAllString(path, ".$1")
	segments := strings.Split(flat, ".")
	for _, s := range segments {
		if s == "" || !segmentOK.MatchString(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidField, path)
		}
	}
	return segments, nil
}

func gjsonPath(field string) string {
	segments, _ := ParseField(field)
	return strings.Join(segments, ".")
}

// Groups returns the predicates as OR-joined groups of AND-joined
// predicates.
func (q *Query) Groups() [][]Predicate {
	return q.groups()
}
