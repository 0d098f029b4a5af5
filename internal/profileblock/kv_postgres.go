package profileblock

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	postgresKVTableName        = "profileblock_kv"
	postgresKVChannel          = "profileblock_kv_changes"
	postgresOperationTimeout   = 5 * time.Second
	postgresListenerMinBackoff = 10 * time.Second
	postgresListenerMaxBackoff = time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresKV stores one row per key. Writes are announced on a
// LISTEN/NOTIFY channel so other processes sharing the database see them.
type PostgresKV struct {
	dsn        string
	tableName  string
	area       string
	channel    string
	instanceID string
	openDB     sqlOpenFunc
	logger     *zap.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	feed       changeFeed
	listenOnce sync.Once
	listener   *pq.Listener
	done       chan struct{}
	closeOnce  sync.Once
}

type postgresChangePayload struct {
	Instance string   `json:"instance"`
	Area     string   `json:"area"`
	Keys     []string `json:"keys"`
}

func NewPostgresKV(dsn string) (*PostgresKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKV{
		dsn:        dsn,
		tableName:  postgresKVTableName,
		area:       StorageAreaSync,
		channel:    postgresKVChannel,
		instanceID: uuid.NewString(),
		openDB:     sql.Open,
		logger:     zap.NewNop(),
		done:       make(chan struct{}),
	}, nil
}

func (b *PostgresKV) WithLogger(logger *zap.Logger) *PostgresKV {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *PostgresKV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if len(keys) == 0 {
		query := fmt.Sprintf("SELECT item_key, item_value FROM %s WHERE area = $1", postgresQuoteIdentifier(b.tableName))
		rows, err = b.db.QueryContext(ctx, query, b.area)
	} else {
		query := fmt.Sprintf("SELECT item_key, item_value FROM %s WHERE area = $1 AND item_key = ANY($2)", postgresQuoteIdentifier(b.tableName))
		rows, err = b.db.QueryContext(ctx, query, b.area, pq.Array(keys))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

func (b *PostgresKV) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	keys := sortedKeys(items)
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (area, item_key, item_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (area, item_key)
		DO UPDATE SET item_value = EXCLUDED.item_value, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, query, b.area, key, string(items[key])); err != nil {
			return err
		}
	}
	if err := b.notifyTx(ctx, tx, keys); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.feed.publish(StorageChange{Area: b.area, Keys: keys})
	return nil
}

func (b *PostgresKV) Clear(ctx context.Context) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf("DELETE FROM %s WHERE area = $1 RETURNING item_key", postgresQuoteIdentifier(b.tableName))
	rows, err := tx.QueryContext(ctx, query, b.area)
	if err != nil {
		return err
	}
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			_ = rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := b.notifyTx(ctx, tx, keys); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.feed.publish(StorageChange{Area: b.area, Keys: keys})
	return nil
}

func (b *PostgresKV) Subscribe(fn func(StorageChange)) func() {
	unsubscribe := b.feed.subscribe(fn)
	b.listenOnce.Do(b.startListener)
	return unsubscribe
}

func (b *PostgresKV) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.listener != nil {
			err = b.listener.Close()
		}
		if b.db != nil {
			if closeErr := b.db.Close(); err == nil {
				err = closeErr
			}
		}
	})
	return err
}

func (b *PostgresKV) notifyTx(ctx context.Context, tx *sql.Tx, keys []string) error {
	payload, err := json.Marshal(postgresChangePayload{Instance: b.instanceID, Area: b.area, Keys: keys})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload))
	return err
}

func (b *PostgresKV) startListener() {
	listener := pq.NewListener(b.dsn, postgresListenerMinBackoff, postgresListenerMaxBackoff, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.logger.Warn("postgres listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(b.channel); err != nil {
		b.logger.Warn("postgres listen failed", zap.String("channel", b.channel), zap.Error(err))
		_ = listener.Close()
		return
	}
	b.listener = listener
	go b.listenLoop(listener)
}

func (b *PostgresKV) listenLoop(listener *pq.Listener) {
	for {
		select {
		case <-b.done:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			// pq delivers nil after re-establishing the connection.
			if n == nil {
				continue
			}
			change, ok := b.decodeNotification(n.Extra)
			if ok {
				b.feed.publish(change)
			}
		}
	}
}

func (b *PostgresKV) decodeNotification(extra string) (StorageChange, bool) {
	var payload postgresChangePayload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		b.logger.Debug("ignoring malformed change notification", zap.Error(err))
		return StorageChange{}, false
	}
	if payload.Instance == b.instanceID || payload.Area != b.area {
		return StorageChange{}, false
	}
	return StorageChange{Area: payload.Area, Keys: payload.Keys, Remote: true}, true
}

func (b *PostgresKV) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				area TEXT NOT NULL,
				item_key TEXT NOT NULL,
				item_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (area, item_key)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
