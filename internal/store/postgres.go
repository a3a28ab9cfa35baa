package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// PostgresChannel is the LISTEN/NOTIFY channel carrying document changes.
const PostgresChannel = "pig_documents"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pig_documents (
	path TEXT PRIMARY KEY,
	body JSONB NOT NULL
)`

// pgChange is the NOTIFY payload. A null body means the document was removed.
type pgChange struct {
	Path string          `json:"path"`
	Body json.RawMessage `json:"body"`
}

// PostgresBackend keeps documents in the pig_documents table. Each write
// sends pg_notify inside its own transaction, so listeners see changes only
// once committed and in commit order. Field updates and claims lock the row
// with SELECT ... FOR UPDATE.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger logrus.FieldLogger
	fanout *fanout
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPostgresBackend creates the table if needed and starts listening for changes.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, logger logrus.FieldLogger) (*PostgresBackend, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create pig_documents: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+PostgresChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", PostgresChannel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	b := &PostgresBackend{
		pool:   pool,
		logger: logger.WithField("backend", "postgres"),
		fanout: newFanout(),
		cancel: cancel,
	}
	b.wg.Add(1)
	go b.listen(listenCtx, conn)
	return b, nil
}

func (b *PostgresBackend) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer b.wg.Done()
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.WithError(err).Error("postgres listener stopped")
			}
			return
		}
		var change pgChange
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			b.logger.WithError(err).Warn("dropping malformed change notification")
			continue
		}
		var value json.RawMessage
		if !isNull(change.Body) {
			value = change.Body
		}
		b.fanout.publish(change.Path, value)
	}
}

func (b *PostgresBackend) Get(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = b.pool.QueryRow(ctx, `SELECT body FROM pig_documents WHERE path = $1`, path).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", path, err)
	}
	return body, nil
}

func (b *PostgresBackend) Set(ctx context.Context, path string, value json.RawMessage) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	if isNull(value) {
		return b.Remove(ctx, path)
	}
	return pgx.BeginTxFunc(ctx, b.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO pig_documents (path, body) VALUES ($1, $2::jsonb)
			ON CONFLICT (path) DO UPDATE SET body = EXCLUDED.body`,
			path, string(value))
		if err != nil {
			return fmt.Errorf("postgres set %s: %w", path, err)
		}
		return notify(ctx, tx, path, value)
	})
}

func (b *PostgresBackend) Merge(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	return b.transact(ctx, path, mergeMutation(fields))
}

func (b *PostgresBackend) Claim(ctx context.Context, path, field string) (bool, error) {
	path, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	var claimed bool
	if err := b.transact(ctx, path, claimMutation(field, &claimed)); err != nil {
		return false, err
	}
	return claimed, nil
}

func (b *PostgresBackend) Remove(ctx context.Context, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}

	removed := false
	err = pgx.BeginTxFunc(ctx, b.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM pig_documents
			WHERE path = $1 OR path LIKE $2
			RETURNING path`,
			path, escapeLike(path)+"/%")
		if err != nil {
			return fmt.Errorf("postgres remove %s: %w", path, err)
		}
		docs, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("postgres remove %s: %w", path, err)
		}
		for _, doc := range docs {
			if err := notify(ctx, tx, doc, nil); err != nil {
				return err
			}
		}
		removed = len(docs) > 0
		return nil
	})
	if err != nil || removed {
		return err
	}

	parent, field, ok := splitField(path)
	if !ok {
		return nil
	}
	return b.transact(ctx, parent, removeFieldMutation(field))
}

// transact locks path's row, applies mutate, and writes the result in one
// transaction. An absent document is materialized as a placeholder row so
// it can be locked; the placeholder is dropped again if nothing is written.
func (b *PostgresBackend) transact(ctx context.Context, path string, mutate mutation) error {
	return pgx.BeginTxFunc(ctx, b.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO pig_documents (path, body) VALUES ($1, '{}'::jsonb)
			ON CONFLICT (path) DO NOTHING`, path)
		if err != nil {
			return fmt.Errorf("postgres lock %s: %w", path, err)
		}
		placeholder := tag.RowsAffected() == 1

		var cur []byte
		if err := tx.QueryRow(ctx, `SELECT body FROM pig_documents WHERE path = $1 FOR UPDATE`, path).Scan(&cur); err != nil {
			return fmt.Errorf("postgres lock %s: %w", path, err)
		}
		if placeholder {
			cur = nil
		}

		next, write, err := mutate(cur)
		if err != nil {
			return err
		}
		if !write {
			if placeholder {
				_, err = tx.Exec(ctx, `DELETE FROM pig_documents WHERE path = $1`, path)
			}
			return err
		}

		if next == nil {
			_, err = tx.Exec(ctx, `DELETE FROM pig_documents WHERE path = $1`, path)
		} else {
			_, err = tx.Exec(ctx, `UPDATE pig_documents SET body = $2::jsonb WHERE path = $1`, path, string(next))
		}
		if err != nil {
			return fmt.Errorf("postgres write %s: %w", path, err)
		}
		return notify(ctx, tx, path, next)
	})
}

func (b *PostgresBackend) Subscribe(ctx context.Context, path string, fn func(json.RawMessage)) (func(), error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	return subscribeThenRead(ctx, b.fanout, path, fn, b.Get)
}

// Close stops the listener. The pool itself belongs to the caller.
func (b *PostgresBackend) Close() error {
	b.cancel()
	b.wg.Wait()
	b.fanout.closeAll()
	return nil
}

func notify(ctx context.Context, tx pgx.Tx, path string, value json.RawMessage) error {
	body := value
	if body == nil {
		body = json.RawMessage("null")
	}
	payload, err := json.Marshal(pgChange{Path: path, Body: body})
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, PostgresChannel, string(payload)); err != nil {
		return fmt.Errorf("postgres notify %s: %w", path, err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
