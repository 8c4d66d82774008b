package commandstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	relayerrors "github.com/fluxdesk/relay/internal/errors"
	"github.com/fluxdesk/relay/internal/relayid"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS relay_commands (
	command_id       TEXT PRIMARY KEY,
	producer_id      TEXT NOT NULL,
	target_instance  TEXT NOT NULL,
	kind             TEXT NOT NULL,
	payload          JSONB NOT NULL DEFAULT '{}',
	idempotency_key  TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	processed_at     TIMESTAMPTZ,
	error_message    TEXT NOT NULL DEFAULT '',
	issuer_viewer_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS relay_commands_pending_idx
	ON relay_commands (producer_id, created_at) WHERE status = 'pending'`

// PostgresStore is the C2 implementation backed by the same transactional
// store as the Catalog (§4.2: "same transactional store as C1, separate
// table").
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

// EnsureSchema creates the backing table/index if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return relayerrors.NewStoreError("ensure_schema", true, err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, producerID, targetInstance, kind string, payload json.RawMessage, idempotencyKey, issuerViewerID string) (CommandRecord, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	id := relayid.NewCommandID()
	const insert = `
INSERT INTO relay_commands
	(command_id, producer_id, target_instance, kind, payload, idempotency_key, status, created_at, issuer_viewer_id)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', now(), $7)
ON CONFLICT (idempotency_key) DO NOTHING`

	_, err := s.pool.Exec(ctx, insert, id, producerID, targetInstance, kind, payload, idempotencyKey, issuerViewerID)
	if err != nil {
		return CommandRecord{}, relayerrors.NewStoreError("enqueue", isTransient(err), err)
	}

	// Whether we just inserted or collided on the unique idempotency key,
	// read back the authoritative row so callers always see the command
	// that actually owns this key (§4.2 invariant).
	const selectByKey = `
SELECT command_id, producer_id, target_instance, kind, payload, idempotency_key,
       status, created_at, processed_at, error_message, issuer_viewer_id
FROM relay_commands WHERE idempotency_key = $1`

	row := s.pool.QueryRow(ctx, selectByKey, idempotencyKey)
	record, err := scanRecord(row)
	if err != nil {
		return CommandRecord{}, relayerrors.NewStoreError("enqueue", isTransient(err), err)
	}
	return record, nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, producerID string, max int) ([]CommandRecord, error) {
	if max <= 0 {
		max = 50
	}
	const q = `
SELECT command_id, producer_id, target_instance, kind, payload, idempotency_key,
       status, created_at, processed_at, error_message, issuer_viewer_id
FROM relay_commands
WHERE producer_id = $1 AND status = 'pending'
ORDER BY created_at ASC
LIMIT $2`

	rows, err := s.pool.Query(ctx, q, producerID, max)
	if err != nil {
		return nil, relayerrors.NewStoreError("fetch_pending", isTransient(err), err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, relayerrors.NewStoreError("fetch_pending", false, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkDone(ctx context.Context, commandID string, status Status, errMsg string) error {
	const q = `
UPDATE relay_commands
SET status = $2, processed_at = now(), error_message = $3
WHERE command_id = $1 AND status = 'pending'`

	if _, err := s.pool.Exec(ctx, q, commandID, string(status), errMsg); err != nil {
		return relayerrors.NewStoreError("mark_done", isTransient(err), err)
	}
	return nil
}

func (s *PostgresStore) Expire(ctx context.Context, ttl time.Duration, kinds ...string) ([]CommandRecord, error) {
	const qAll = `
UPDATE relay_commands
SET status = 'failed', processed_at = now(), error_message = 'expired'
WHERE status = 'pending' AND now() - created_at > $1
RETURNING command_id, producer_id, target_instance, kind, payload, idempotency_key,
          status, created_at, processed_at, error_message, issuer_viewer_id`

	const qKinds = `
UPDATE relay_commands
SET status = 'failed', processed_at = now(), error_message = 'expired'
WHERE status = 'pending' AND now() - created_at > $1 AND kind = ANY($2)
RETURNING command_id, producer_id, target_instance, kind, payload, idempotency_key,
          status, created_at, processed_at, error_message, issuer_viewer_id`

	var rows pgx.Rows
	var err error
	if len(kinds) > 0 {
		rows, err = s.pool.Query(ctx, qKinds, ttl, kinds)
	} else {
		rows, err = s.pool.Query(ctx, qAll, ttl)
	}
	if err != nil {
		return nil, relayerrors.NewStoreError("expire", isTransient(err), err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, relayerrors.NewStoreError("expire", false, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, commandID string) (CommandRecord, bool, error) {
	const q = `
SELECT command_id, producer_id, target_instance, kind, payload, idempotency_key,
       status, created_at, processed_at, error_message, issuer_viewer_id
FROM relay_commands WHERE command_id = $1`

	row := s.pool.QueryRow(ctx, q, commandID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CommandRecord{}, false, nil
	}
	if err != nil {
		return CommandRecord{}, false, relayerrors.NewStoreError("get", isTransient(err), err)
	}
	return r, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CommandRecord, error) {
	var r CommandRecord
	var status string
	if err := row.Scan(&r.CommandID, &r.ProducerID, &r.TargetInstance, &r.Kind,
		&r.Payload, &r.IdempotencyKey, &status, &r.CreatedAt, &r.ProcessedAt,
		&r.ErrorMessage, &r.IssuerViewerID); err != nil {
		return CommandRecord{}, err
	}
	r.Status = Status(status)
	return r, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
