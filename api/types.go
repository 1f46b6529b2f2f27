package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/i5heu/ouroboros-graph/pkg/closure"
	"github.com/i5heu/ouroboros-graph/pkg/objects"
)

// Repository is the object store behind the server.
type Repository interface {
	CreateObjects(ctx context.Context, streamID string, objs []map[string]any) ([]string, error)
	GetObject(ctx context.Context, streamID, id string) (objects.Object, error)
	GetObjectsBatch(ctx context.Context, streamID string, ids []string, fn func(objects.Object) error) error
	GetObjectChildrenStream(ctx context.Context, streamID, objectID string, fn func(objects.Object) error) error
	GetObjectChildrenQuery(ctx context.Context, streamID string, q closure.Query) (closure.Result, error)
}

var _ Repository = (*objects.Store)(nil)

var ErrInvalidBody = errors.New("api: invalid request body")

type AuthFunc func(*http.Request) error

type Option func(*Server)

type createResponse struct {
	IDs []string `json:"ids"`
}

type getObjectsRequest struct {
	// Objects is a JSON encoded array of ids.
	Objects string `json:"objects"`
}

type predicateRequest struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	Verb     string `json:"verb"`
}

type orderByRequest struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type childrenRequest struct {
	Select  []string           `json:"select"`
	Query   []predicateRequest `json:"query"`
	OrderBy *orderByRequest    `json:"orderBy"`
	Cursor  string             `json:"cursor"`
	Limit   int                `json:"limit"`
}

// toQuery parses operators, verbs and directions so that anything off
// the whitelist fails here.
func (r childrenRequest) toQuery(objectID string) (closure.Query, error) {
	q := closure.Query{
		ObjectID: objectID,
		Select:   r.Select,
		Cursor:   r.Cursor,
		Limit:    r.Limit,
	}
	for _, p := range r.Query {
		op, err := closure.ParseOperator(p.Operator)
		if err != nil {
			return closure.Query{}, err
		}
		verb, err := closure.ParseVerb(p.Verb)
		if err != nil {
			return closure.Query{}, err
		}
		q.Where = append(q.Where, closure.Predicate{Field: p.Field, Operator: op, Value: p.Value, Verb: verb})
	}
	if r.OrderBy != nil {
		dir, err := closure.ParseDirection(r.OrderBy.Direction)
		if err != nil {
			return closure.Query{}, err
		}
		q.OrderBy = &closure.OrderBy{Field: r.OrderBy.Field, Direction: dir}
	}
	return q, q.Validate()
}

// ParseChildrenQuery decodes a children request body into a validated
// query for objectID.
func ParseChildrenQuery(body []byte, objectID string) (closure.Query, error) {
	var req childrenRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return closure.Query{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
	}
	return req.toQuery(objectID)
}
