package pgdriver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/jobtype"
)

// jobInsertManyFastSource implements pgx.CopyFromSource for
// JobInsertManyFast's non-unique bulk path. JobInsertManyFast rejects a
// batch containing any uniquely-constrained insert with an error, since COPY
// can't express ON CONFLICT.
type jobInsertManyFastSource struct {
	rows []*driver.JobInsertParams
	pos  int
}

func (s *jobInsertManyFastSource) Next() bool {
	s.pos++
	return s.pos <= len(s.rows)
}

func (s *jobInsertManyFastSource) Values() ([]any, error) {
	p := s.rows[s.pos-1]
	state := p.State
	if state == "" {
		state = jobtype.JobStateAvailable
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 25
	}
	meta := p.Meta
	if len(meta) == 0 {
		meta = []byte(`{}`)
	}
	return []any{
		string(state), p.Queue, p.Worker, json.RawMessage(p.Args), json.RawMessage(meta),
		p.Tags, p.Priority, maxAttempts, p.ScheduledAt,
	}, nil
}

func (s *jobInsertManyFastSource) Err() error { return nil }

// JobInsertManyFast performs a COPY-based bulk insert for jobs that don't
// need uniqueness enforcement or a returned row. It requires a
// *pgxpool.Pool or pgx.Tx underneath, since CopyFrom isn't part of the
// narrower dbtx interface used elsewhere in this package.
func (d *Driver) JobInsertManyFast(ctx context.Context, copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}, params []*driver.JobInsertParams) (int64, error) {
	for _, p := range params {
		if p.UniqueKey != nil {
			return 0, fmt.Errorf("pgdriver: JobInsertManyFast: unique inserts must use JobInsertMany")
		}
	}
	n, err := copier.CopyFrom(ctx,
		pgx.Identifier{"duraq_job"},
		[]string{"state", "queue", "worker", "args", "meta", "tags", "priority", "max_attempts", "scheduled_at"},
		&jobInsertManyFastSource{rows: params},
	)
	if err != nil {
		return 0, fmt.Errorf("pgdriver: copy from: %w", err)
	}
	return n, nil
}
