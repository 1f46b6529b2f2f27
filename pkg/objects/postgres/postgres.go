// Package postgres stores stream objects in a Postgres jsonb table and
// answers children queries in SQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/i5heu/ouroboros-graph/pkg/closure"
	"github.com/i5heu/ouroboros-graph/pkg/objects"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const Schema = `
CREATE TABLE IF NOT EXISTS objects (
	"streamId" text NOT NULL,
	id text NOT NULL,
	data jsonb NOT NULL,
	"totalChildrenCount" integer NOT NULL DEFAULT 0,
	"totalChildrenCountByDepth" jsonb,
	"createdAt" timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY ("streamId", id)
)`

type Repository struct {
	db  *sqlx.DB
	log logrus.FieldLogger
}

// Open connects with a lib/pq DSN.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger) (*Repository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return New(db, log), nil
}

func New(db *sqlx.DB, log logrus.FieldLogger) *Repository {
	if log == nil {
		log = logrus.New()
	}
	return &Repository{db: db, log: log.WithField("component", "postgres")}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

func (r *Repository) Close() error {
	return r.db.Close()
}

type objectRow struct {
	StreamID           string  `db:"streamId"`
	ID                 string  `db:"id"`
	Data               string  `db:"data"`
	TotalChildrenCount int     `db:"totalChildrenCount"`
	ByDepth            *string `db:"totalChildrenCountByDepth"`
}

// CreateObjects inserts objects that are not stored yet.
func (r *Repository) CreateObjects(ctx context.Context, streamID string, objs []objects.Object) error {
	if len(objs) == 0 {
		return nil
	}
	rows := make([]objectRow, 0, len(objs))
	for _, o := range objs {
		row := objectRow{
			StreamID:           streamID,
			ID:                 o.ID,
			Data:               string(o.Data),
			TotalChildrenCount: o.TotalChildrenCount,
		}
		if len(o.TotalChildrenCountByDepth) > 0 {
			raw, err := json.Marshal(o.TotalChildrenCountByDepth)
			if err != nil {
				return err
			}
			s := string(raw)
			row.ByDepth = &s
		}
		rows = append(rows, row)
	}

	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO objects ("streamId", id, data, "totalChildrenCount", "totalChildrenCountByDepth")
		VALUES (:streamId, :id, :data, :totalChildrenCount, :totalChildrenCountByDepth)
		ON CONFLICT DO NOTHING`, rows)
	if err != nil {
		return fmt.Errorf("postgres: insert objects: %w", err)
	}
	n, _ := res.RowsAffected()
	r.log.WithFields(logrus.Fields{"stream": streamID, "objects": len(objs), "inserted": n}).Debug("Objects inserted")
	return nil
}

// GetObjects returns the stored objects among ids.
func (r *Repository) GetObjects(ctx context.Context, streamID string, ids []string) ([]objects.Object, error) {
	var rows []objectRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT "streamId", id, data, "totalChildrenCount", "totalChildrenCountByDepth"
		FROM objects WHERE "streamId" = $1 AND id = ANY($2)`, streamID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: get objects: %w", err)
	}
	out := make([]objects.Object, 0, len(rows))
	for _, row := range rows {
		o := objects.Object{ID: row.ID, Data: json.RawMessage(row.Data), TotalChildrenCount: row.TotalChildrenCount}
		if row.ByDepth != nil {
			if err := json.Unmarshal([]byte(*row.ByDepth), &o.TotalChildrenCountByDepth); err != nil {
				return nil, fmt.Errorf("postgres: children by depth of %s: %w", row.ID, err)
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// GetObjectChildrenQuery answers the same query as the badger store,
// with filtering, ordering and pagination done in SQL.
func (r *Repository) GetObjectChildrenQuery(ctx context.Context, streamID string, q closure.Query) (closure.Result, error) {
	if err := q.Validate(); err != nil {
		return closure.Result{}, err
	}
	c, err := compileChildren(streamID, q)
	if err != nil {
		return closure.Result{}, err
	}

	var total int
	if err := r.db.GetContext(ctx, &total, c.Count, c.CountArgs...); err != nil {
		return closure.Result{}, fmt.Errorf("postgres: count children: %w", err)
	}

	var rows []struct {
		ID   string `db:"id"`
		Data string `db:"data"`
	}
	if err := r.db.SelectContext(ctx, &rows, c.Query, c.Args...); err != nil {
		return closure.Result{}, fmt.Errorf("postgres: query children: %w", err)
	}

	res := closure.Result{Objects: make([]closure.Object, 0, len(rows)), TotalCount: total}
	more := len(rows) > q.Limit
	if more {
		rows = rows[:q.Limit]
	}
	for _, row := range rows {
		data, err := closure.Project([]byte(row.Data), q.Select)
		if err != nil {
			return closure.Result{}, err
		}
		res.Objects = append(res.Objects, closure.Object{ID: row.ID, Data: data})
	}
	if more {
		last := rows[len(rows)-1]
		cursor := closure.NextCursor(q, last.ID, []byte(last.Data))
		res.Cursor = &cursor
	}
	return res, nil
}
