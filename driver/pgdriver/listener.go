package pgdriver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"
)

// Listener is a dedicated LISTEN/NOTIFY connection, kept separate from the
// main query pool (puddle/v2 is what pgxpool itself uses internally to
// manage connections; it's used directly here because a notify listener
// needs a single long-lived connection, not one borrowed-and-returned per
// query).
type Listener struct {
	pool *puddle.Pool[*pgx.Conn]
	res  *puddle.Resource[*pgx.Conn]
}

// NewListener constructs a Listener that creates its one connection from
// connPool's configuration.
func NewListener(connPool *pgxpool.Pool) (*Listener, error) {
	cfg := connPool.Config().ConnConfig
	p, err := puddle.NewPool(&puddle.Config[*pgx.Conn]{
		Constructor: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.ConnectConfig(ctx, cfg)
		},
		Destructor: func(conn *pgx.Conn) {
			_ = conn.Close(context.Background())
		},
		MaxSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("pgdriver: new listener pool: %w", err)
	}
	return &Listener{pool: p}, nil
}

// Connect acquires (and lazily creates) the single underlying connection.
func (l *Listener) Connect(ctx context.Context) error {
	res, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgdriver: listener connect: %w", err)
	}
	l.res = res
	return nil
}

// Close destroys the dedicated connection and closes its puddle pool.
func (l *Listener) Close(ctx context.Context) error {
	if l.res != nil {
		l.res.Destroy()
		l.res = nil
	}
	l.pool.Close()
	return nil
}

// Listen issues a Postgres LISTEN for topic.
func (l *Listener) Listen(ctx context.Context, topic string) error {
	_, err := l.res.Value().Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize())
	return err
}

// Unlisten issues a Postgres UNLISTEN for topic.
func (l *Listener) Unlisten(ctx context.Context, topic string) error {
	_, err := l.res.Value().Exec(ctx, "UNLISTEN "+pgx.Identifier{topic}.Sanitize())
	return err
}

// WaitForNotification blocks until a notification arrives or ctx is done.
func (l *Listener) WaitForNotification(ctx context.Context) (*pgx.Notification, error) {
	return l.res.Value().WaitForNotification(ctx)
}

// Notify broadcasts payload on topic via pg_notify, usable from any
// connection (not just the dedicated listener one).
func Notify(ctx context.Context, db dbtx, topic, payload string) error {
	_, err := db.Exec(ctx, "SELECT pg_notify($1, $2)", topic, payload)
	return err
}

// Ping issues a Postgres NOTIFY from the listener's own connection back to
// itself, the basis of the Notifier's reachability sonar.
func (l *Listener) Ping(ctx context.Context, topic, payload string) error {
	_, err := l.res.Value().Exec(ctx, "SELECT pg_notify($1, $2)", topic, payload)
	return err
}
