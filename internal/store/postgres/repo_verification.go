package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/thylacine/websub-hub-sub000/internal/model"
	"github.com/thylacine/websub-hub-sub000/internal/retry"
	"github.com/thylacine/websub-hub-sub000/internal/store"
)

const verificationColumns = `id, topic_id, callback, mode, lease_seconds,
	secret, signature_algorithm, is_publisher_validated, reason,
	attempts, next_attempt, claimant, claim_expires, request_id`

func scanVerification(row pgx.Row) (*model.Verification, error) {
	var v model.Verification
	var mode string
	var nextAttempt, claimExpires time.Time
	if err := row.Scan(
		&v.ID, &v.TopicID, &v.Callback, &mode, &v.LeaseSeconds,
		&v.Secret, &v.SignatureAlgorithm, &v.IsPublisherValidated, &v.Reason,
		&v.Attempts, &nextAttempt, &v.Claimant, &claimExpires, &v.RequestID,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan verification: %w", err)
	}
	v.Mode = model.VerificationMode(mode)
	v.NextAttempt = fromDB(nextAttempt)
	v.ClaimExpires = fromDB(claimExpires)
	return &v, nil
}

// VerificationInsert adds a pending verification and returns its id.
func (r *Repo) VerificationInsert(ctx context.Context, v *model.Verification) (string, error) {
	id := v.ID
	if id == "" {
		id = uuid.New().String()
	}
	algorithm := v.SignatureAlgorithm
	if algorithm == "" {
		algorithm = model.DefaultHashAlgorithm
	}
	nextAttempt := v.NextAttempt
	if nextAttempt.IsZero() {
		nextAttempt = time.Now()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO verification (id, topic_id, callback, mode, lease_seconds,
			secret, signature_algorithm, is_publisher_validated, reason,
			next_attempt, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, v.TopicID, v.Callback, string(v.Mode), v.LeaseSeconds,
		v.Secret, algorithm, v.IsPublisherValidated, v.Reason,
		nextAttempt.UTC(), v.RequestID)
	if err != nil {
		return "", err
	}
	return id, nil
}

// VerificationByID loads one verification.
func (r *Repo) VerificationByID(ctx context.Context, id string) (*model.Verification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+verificationColumns+` FROM verification WHERE id = $1`, id)
	return scanVerification(row)
}

// VerificationUpdate rewrites the mutable fields of a verification.
func (r *Repo) VerificationUpdate(ctx context.Context, v *model.Verification) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE verification SET
			mode = $1, reason = $2, is_publisher_validated = $3
		WHERE id = $4`,
		string(v.Mode), v.Reason, v.IsPublisherValidated, v.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const processableWhere = `v.next_attempt <= now()
	AND v.claim_expires <= now()
	AND t.is_active`

// VerificationClaim claims up to n processable verifications.
func (r *Repo) VerificationClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		WITH eligible AS (
			SELECT v.id FROM verification v
			JOIN topic t ON t.id = v.topic_id
			WHERE `+processableWhere+`
			ORDER BY v.next_attempt
			LIMIT $1
			FOR UPDATE OF v SKIP LOCKED
		)
		UPDATE verification SET claimant = $2, claim_expires = now() + make_interval(secs => $3)
		FROM eligible WHERE verification.id = eligible.id
		RETURNING verification.id`,
		n, claimant, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("verification claim: %w", err)
	}
	return collectIDs(rows)
}

// VerificationClaimByID claims one specific processable verification.
func (r *Repo) VerificationClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE verification SET claimant = $1, claim_expires = now() + make_interval(secs => $2)
		WHERE id = $3 AND id IN (
			SELECT v.id FROM verification v
			JOIN topic t ON t.id = v.topic_id
			WHERE `+processableWhere+`
		)`,
		claimant, leaseSeconds, id)
	if err != nil {
		return fmt.Errorf("verification claim %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrClaimUnavailable
	}
	return nil
}

// VerificationComplete scrubs the row and all sibling verifications for
// the same (callback, topic).
func (r *Repo) VerificationComplete(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var callback, topicID string
	if err := tx.QueryRow(ctx,
		`SELECT callback, topic_id FROM verification WHERE id = $1`, id,
	).Scan(&callback, &topicID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM verification WHERE callback = $1 AND topic_id = $2`,
		callback, topicID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// VerificationIncomplete reschedules the verification via backoff.
func (r *Repo) VerificationIncomplete(ctx context.Context, id string, delays []time.Duration) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var attempts int
	if err := tx.QueryRow(ctx,
		`SELECT attempts FROM verification WHERE id = $1 FOR UPDATE`, id,
	).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	attempts++
	next := time.Now().Add(retry.AttemptDelay(attempts, delays, retry.DefaultJitterFactor))

	if _, err := tx.Exec(ctx, `
		UPDATE verification SET
			claimant = '', claim_expires = 'epoch',
			attempts = $1, next_attempt = $2
		WHERE id = $3`,
		attempts, next.UTC(), id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
