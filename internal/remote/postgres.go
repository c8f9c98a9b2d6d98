package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/pkg/models"
)

const defaultChannel = "progress_changes"

const createRemoteProgress = `
	CREATE TABLE IF NOT EXISTS remote_progress (
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		doc JSONB NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, item_id)
	)
`

// the WHERE clause keeps the higher version when two devices race
const upsertRemoteProgress = `
	INSERT INTO remote_progress (user_id, item_id, doc, version)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id, item_id) DO UPDATE
	SET doc = EXCLUDED.doc, version = EXCLUDED.version, updated_at = now()
	WHERE remote_progress.version < EXCLUDED.version
`

type remoteRow struct {
	ItemID string `db:"item_id"`
	Doc    []byte `db:"doc"`
}

// Postgres is a Remote backed by a shared PostgreSQL table. Change
// notifications go through LISTEN/NOTIFY unless a Notifier is set.
type Postgres struct {
	db       *sqlx.DB
	dsn      string
	channel  string
	notifier Notifier
	log      *logger.Logger
}

type PostgresOption func(*Postgres)

// WithNotifier routes change notifications through n instead of pg_notify
func WithNotifier(n Notifier) PostgresOption {
	return func(p *Postgres) { p.notifier = n }
}

// WithChannel sets the LISTEN/NOTIFY channel name
func WithChannel(name string) PostgresOption {
	return func(p *Postgres) { p.channel = name }
}

// OpenPostgres connects and creates the remote table when missing
func OpenPostgres(ctx context.Context, dsn string, log *logger.Logger, opts ...PostgresOption) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createRemoteProgress); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create remote_progress table: %w", err)
	}
	p := &Postgres{
		db:      db,
		dsn:     dsn,
		channel: defaultChannel,
		log:     logger.OrNop(log).With("component", "remote.postgres"),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close closes the connection pool and the notifier, if any
func (p *Postgres) Close() error {
	if p.notifier != nil {
		if err := p.notifier.Close(); err != nil {
			p.log.Warn("failed to close notifier", "error", err)
		}
	}
	return p.db.Close()
}

func (p *Postgres) PushProgress(ctx context.Context, userID, itemID string, rec models.ProgressRecord) (err error) {
	if userID == "" {
		return ErrNoUser
	}
	if rec.ItemID != itemID {
		return fmt.Errorf("remote: record %s pushed as %s", rec.ItemID, itemID)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", itemID, err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, upsertRemoteProgress, userID, itemID, doc, rec.Version)
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", itemID, err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return err
	}
	// pg_notify is delivered on commit
	if changed > 0 && p.notifier == nil {
		if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, userID); err != nil {
			return fmt.Errorf("failed to notify: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit push of %s: %w", itemID, err)
	}
	if changed > 0 && p.notifier != nil {
		if nerr := p.notifier.Notify(ctx, userID); nerr != nil {
			p.log.Warn("failed to publish change", "user", userID, "error", nerr)
		}
	}
	return nil
}

func (p *Postgres) PullProgress(ctx context.Context, userID string) (map[string]models.ProgressRecord, error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	var rows []remoteRow
	err := p.db.SelectContext(ctx, &rows, `SELECT item_id, doc FROM remote_progress WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to pull progress: %w", err)
	}
	out := make(map[string]models.ProgressRecord, len(rows))
	for _, r := range rows {
		var rec models.ProgressRecord
		if err := json.Unmarshal(r.Doc, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode remote record %s: %w", r.ItemID, err)
		}
		out[r.ItemID] = rec
	}
	return out, nil
}

func (p *Postgres) Subscribe(ctx context.Context, userID string, onChange func()) (func(), error) {
	if userID == "" {
		return nil, ErrNoUser
	}
	if onChange == nil {
		return nil, fmt.Errorf("remote: onChange callback required")
	}
	if p.notifier != nil {
		return p.notifier.Listen(ctx, userID, onChange)
	}

	log := p.log.With("user", userID)
	l := pq.NewListener(p.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("listener event", "event", int(ev), "error", err)
		}
	})
	if err := l.Listen(p.channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", p.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-l.Notify:
				if !ok {
					return
				}
				// nil after a reconnect: changes may have been missed
				if n == nil || n.Extra == userID {
					onChange()
				}
			case <-time.After(90 * time.Second):
				go l.Ping()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			if err := l.Close(); err != nil {
				log.Warn("failed to close listener", "error", err)
			}
		})
	}, nil
}
