package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	relayerrors "github.com/fluxdesk/relay/internal/errors"
)

// Schema mirrors §3/§9's active_desktop_clients table: one row per
// producer_id, overwritten last-writer-wins on every handshake.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS active_desktop_clients (
	producer_id        TEXT PRIMARY KEY,
	display_name       TEXT NOT NULL,
	hostname           TEXT NOT NULL DEFAULT '',
	owner_id           TEXT NOT NULL DEFAULT '',
	monitors           JSONB NOT NULL DEFAULT '[]',
	capabilities       JSONB NOT NULL DEFAULT '[]',
	is_streaming       BOOLEAN NOT NULL DEFAULT FALSE,
	last_heartbeat     TIMESTAMPTZ NOT NULL,
	owning_instance_id TEXT NOT NULL,
	connected_at       TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
)`

// PostgresCatalog is the C1 implementation backed by a transactional
// Postgres store (§4.1), fronted by a small LRU read-cache that serves Get
// lookups. ListActive always queries the store and does not use the cache.
type PostgresCatalog struct {
	pool  *pgxpool.Pool
	cache *lru.Cache[string, ProducerRecord]
}

// NewPostgresCatalog wraps an existing pool. Callers are expected to have
// run migrations (or call EnsureSchema) before serving traffic.
func NewPostgresCatalog(pool *pgxpool.Pool, cacheSize int) (*PostgresCatalog, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, ProducerRecord](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("catalog: new lru cache: %w", err)
	}
	return &PostgresCatalog{pool: pool, cache: cache}, nil
}

// EnsureSchema creates the backing table if it does not already exist.
func (c *PostgresCatalog) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, createTableSQL); err != nil {
		return relayerrors.NewStoreError("ensure_schema", true, err)
	}
	return nil
}

func marshalMonitors(monitors []Monitor) ([]byte, error) { return json.Marshal(monitors) }

func unmarshalMonitors(data []byte) ([]Monitor, error) {
	var monitors []Monitor
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &monitors); err != nil {
		return nil, err
	}
	return monitors, nil
}

func (c *PostgresCatalog) Register(ctx context.Context, record ProducerRecord) error {
	monitorsJSON, err := marshalMonitors(record.Monitors)
	if err != nil {
		return relayerrors.NewStoreError("register", false, err)
	}
	capsJSON, err := json.Marshal(record.Capabilities)
	if err != nil {
		return relayerrors.NewStoreError("register", false, err)
	}

	const q = `
INSERT INTO active_desktop_clients
	(producer_id, display_name, hostname, owner_id, monitors, capabilities,
	 is_streaming, last_heartbeat, owning_instance_id, connected_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, now(), now())
ON CONFLICT (producer_id) DO UPDATE SET
	display_name       = EXCLUDED.display_name,
	hostname           = EXCLUDED.hostname,
	owner_id           = EXCLUDED.owner_id,
	monitors           = EXCLUDED.monitors,
	capabilities       = EXCLUDED.capabilities,
	owning_instance_id = EXCLUDED.owning_instance_id,
	last_heartbeat     = now(),
	updated_at         = now()`

	_, err = c.pool.Exec(ctx, q,
		record.ProducerID, record.DisplayName, record.Hostname, record.OwnerID,
		monitorsJSON, capsJSON, record.IsStreaming, record.OwningInstanceID)
	if err != nil {
		return relayerrors.NewStoreError("register", isTransient(err), err)
	}
	c.cache.Remove(record.ProducerID)
	return nil
}

func (c *PostgresCatalog) Heartbeat(ctx context.Context, producerID string) error {
	const q = `UPDATE active_desktop_clients SET last_heartbeat = now(), updated_at = now() WHERE producer_id = $1`
	if _, err := c.pool.Exec(ctx, q, producerID); err != nil {
		return relayerrors.NewStoreError("heartbeat", isTransient(err), err)
	}
	c.cache.Remove(producerID)
	return nil
}

func (c *PostgresCatalog) SetStreaming(ctx context.Context, producerID string, streaming bool) error {
	const q = `UPDATE active_desktop_clients SET is_streaming = $2, updated_at = now() WHERE producer_id = $1`
	if _, err := c.pool.Exec(ctx, q, producerID, streaming); err != nil {
		return relayerrors.NewStoreError("set_streaming", isTransient(err), err)
	}
	c.cache.Remove(producerID)
	return nil
}

func (c *PostgresCatalog) Unregister(ctx context.Context, producerID string) error {
	const q = `DELETE FROM active_desktop_clients WHERE producer_id = $1`
	if _, err := c.pool.Exec(ctx, q, producerID); err != nil {
		return relayerrors.NewStoreError("unregister", isTransient(err), err)
	}
	c.cache.Remove(producerID)
	return nil
}

func (c *PostgresCatalog) ListActive(ctx context.Context) ([]ProducerRecord, error) {
	const q = `
SELECT producer_id, display_name, hostname, owner_id, monitors, capabilities,
       is_streaming, last_heartbeat, owning_instance_id, connected_at, updated_at
FROM active_desktop_clients`

	rows, err := c.pool.Query(ctx, q)
	if err != nil {
		return nil, relayerrors.NewStoreError("list_active", isTransient(err), err)
	}
	defer rows.Close()

	var out []ProducerRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, relayerrors.NewStoreError("list_active", false, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerrors.NewStoreError("list_active", isTransient(err), err)
	}
	return out, nil
}

func (c *PostgresCatalog) Get(ctx context.Context, producerID string) (ProducerRecord, bool, error) {
	if r, ok := c.cache.Get(producerID); ok {
		return r, true, nil
	}

	const q = `
SELECT producer_id, display_name, hostname, owner_id, monitors, capabilities,
       is_streaming, last_heartbeat, owning_instance_id, connected_at, updated_at
FROM active_desktop_clients WHERE producer_id = $1`

	row := c.pool.QueryRow(ctx, q, producerID)
	r, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProducerRecord{}, false, nil
	}
	if err != nil {
		return ProducerRecord{}, false, relayerrors.NewStoreError("get", isTransient(err), err)
	}
	c.cache.Add(producerID, r)
	return r, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rows pgx.Rows) (ProducerRecord, error) { return scanRow(rows) }

func scanRow(row rowScanner) (ProducerRecord, error) {
	var (
		r              ProducerRecord
		monitorsJSON   []byte
		capsJSON       []byte
		lastHeartbeat  time.Time
		connectedAt    time.Time
		updatedAt      time.Time
	)
	if err := row.Scan(&r.ProducerID, &r.DisplayName, &r.Hostname, &r.OwnerID,
		&monitorsJSON, &capsJSON, &r.IsStreaming, &lastHeartbeat,
		&r.OwningInstanceID, &connectedAt, &updatedAt); err != nil {
		return ProducerRecord{}, err
	}
	monitors, err := unmarshalMonitors(monitorsJSON)
	if err != nil {
		return ProducerRecord{}, err
	}
	var caps []string
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &caps); err != nil {
			return ProducerRecord{}, err
		}
	}
	r.Monitors = monitors
	r.Capabilities = caps
	r.LastHeartbeat = lastHeartbeat
	r.ConnectedAt = connectedAt
	r.UpdatedAt = updatedAt
	return r, nil
}

// isTransient classifies a pgx/connection error as retryable. Context
// cancellation and deadline errors are not transient from the store's
// perspective — the caller already gave up.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
