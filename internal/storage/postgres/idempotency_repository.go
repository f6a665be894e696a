package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vladislavdragonenkov/ordersvc/internal/domain"
)

const idempotencyColumns = `key, request_hash, status, response_status, response_content_type, response_body, expires_at, created_at, updated_at`

// IdempotencyRepository хранит ответы на запросы с Idempotency-Key в таблице idempotency_keys.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{pool: store.Pool(), now: time.Now}
}

// Reserve вставляет ключ или перезаписывает истёкший одной командой.
// Пустой RETURNING означает, что ключ занят живой записью.
func (r *IdempotencyRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, bool, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, false, domain.ErrIdempotencyKeyRequired
	case requestHash == "":
		return domain.IdempotencyRecord{}, false, domain.ErrIdempotencyRequestHashRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now().UTC()
	record, err := scanIdempotencyRecord(r.pool.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    status = EXCLUDED.status,
		    response_status = 0,
		    response_content_type = '',
		    response_body = NULL,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING `+idempotencyColumns,
		key, requestHash, string(domain.IdempotencyStatusProcessing), expiresAt.UTC(), now,
	))
	switch {
	case err == nil:
		return record, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.IdempotencyRecord{}, false, errors.Wrap(err, "reserve idempotency key")
	}

	existing, err := r.Get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, false, errors.Wrap(err, "load reserved idempotency key")
	}
	return existing, false, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, status domain.IdempotencyStatus, response domain.StoredResponse) error {
	if status == domain.IdempotencyStatusProcessing || !status.Valid() {
		return domain.ErrIdempotencyStatusInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = $2,
		    response_status = $3,
		    response_content_type = $4,
		    response_body = $5,
		    updated_at = $6
		WHERE key = $1
	`, strings.TrimSpace(key), string(status), response.StatusCode, response.ContentType, response.Body, r.now().UTC())
	if err != nil {
		return errors.Wrap(err, "complete idempotency key")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := scanIdempotencyRecord(r.pool.QueryRow(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`,
		strings.TrimSpace(key),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, errors.Wrap(err, "get idempotency key")
	}
	return record, nil
}

// DeleteExpired удаляет истёкшие ключи пачкой, самые старые первыми. limit <= 0 снимает ограничение.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var batch any
	if limit > 0 {
		batch = limit
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before.UTC(), batch)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired idempotency keys")
	}
	return int(tag.RowsAffected()), nil
}

func scanIdempotencyRecord(row pgx.Row) (domain.IdempotencyRecord, error) {
	var (
		record domain.IdempotencyRecord
		status string
	)
	err := row.Scan(
		&record.Key,
		&record.RequestHash,
		&status,
		&record.Response.StatusCode,
		&record.Response.ContentType,
		&record.Response.Body,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, errors.Errorf("unknown idempotency status %q for key %s", status, record.Key)
	}
	return record, nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
