package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thylacine/websub-hub-sub000/internal/model"
	"github.com/thylacine/websub-hub-sub000/internal/retry"
	"github.com/thylacine/websub-hub-sub000/internal/store"
)

const verificationColumns = `id, topic_id, callback, mode, lease_seconds,
	secret, signature_algorithm, is_publisher_validated, reason,
	attempts, next_attempt_ns, claimant, claim_expires_ns, request_id`

func scanVerification(row interface{ Scan(...any) error }) (*model.Verification, error) {
	var v model.Verification
	var mode string
	var validated int
	var nextAttempt, claimExpires int64
	if err := row.Scan(
		&v.ID, &v.TopicID, &v.Callback, &mode, &v.LeaseSeconds,
		&v.Secret, &v.SignatureAlgorithm, &validated, &v.Reason,
		&v.Attempts, &nextAttempt, &v.Claimant, &claimExpires, &v.RequestID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan verification: %w", err)
	}
	v.Mode = model.VerificationMode(mode)
	v.IsPublisherValidated = validated != 0
	v.NextAttempt = timeOf(nextAttempt)
	v.ClaimExpires = timeOf(claimExpires)
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

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification (id, topic_id, callback, mode, lease_seconds,
			secret, signature_algorithm, is_publisher_validated, reason,
			next_attempt_ns, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, v.TopicID, v.Callback, string(v.Mode), v.LeaseSeconds,
		v.Secret, algorithm, boolInt(v.IsPublisherValidated), v.Reason,
		nextAttempt.UnixNano(), v.RequestID)
	if err != nil {
		return "", err
	}
	return id, nil
}

// VerificationByID loads one verification.
func (r *Repo) VerificationByID(ctx context.Context, id string) (*model.Verification, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+verificationColumns+` FROM verification WHERE id = ?`, id)
	return scanVerification(row)
}

// VerificationUpdate rewrites the mutable fields of a verification.
func (r *Repo) VerificationUpdate(ctx context.Context, v *model.Verification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		UPDATE verification SET
			mode = ?, reason = ?, is_publisher_validated = ?
		WHERE id = ?`,
		string(v.Mode), v.Reason, boolInt(v.IsPublisherValidated), v.ID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// processableWhere matches verification claim eligibility: the topic must
// have completed its first fetch before intents are verified.
const processableWhere = `v.next_attempt_ns <= ?1
	AND v.claim_expires_ns <= ?1
	AND t.is_active = 1`

// VerificationClaim claims up to n processable verifications.
func (r *Repo) VerificationClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE verification SET claimant = ?2, claim_expires_ns = ?3
		WHERE id IN (
			SELECT v.id FROM verification v
			JOIN topic t ON t.id = v.topic_id
			WHERE `+processableWhere+`
			ORDER BY v.next_attempt_ns LIMIT ?4
		)
		RETURNING id`,
		now.UnixNano(), claimant, expires.UnixNano(), n)
	if err != nil {
		return nil, fmt.Errorf("verification claim: %w", err)
	}
	return collectIDs(rows)
}

// VerificationClaimByID claims one specific processable verification.
func (r *Repo) VerificationClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error {
	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		UPDATE verification SET claimant = ?2, claim_expires_ns = ?3
		WHERE id = ?4 AND id IN (
			SELECT v.id FROM verification v
			JOIN topic t ON t.id = v.topic_id
			WHERE `+processableWhere+`
		)`,
		now.UnixNano(), claimant, expires.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("verification claim %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrClaimUnavailable
	}
	return nil
}

// VerificationComplete scrubs the row and all sibling verifications for
// the same (callback, topic): a completed intent obsoletes pending ones.
func (r *Repo) VerificationComplete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var callback, topicID string
	if err := tx.QueryRowContext(ctx,
		`SELECT callback, topic_id FROM verification WHERE id = ?`, id,
	).Scan(&callback, &topicID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM verification WHERE callback = ? AND topic_id = ?`,
		callback, topicID); err != nil {
		return err
	}
	return tx.Commit()
}

// VerificationIncomplete reschedules the verification via backoff.
func (r *Repo) VerificationIncomplete(ctx context.Context, id string, delays []time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM verification WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	attempts++
	next := time.Now().Add(retry.AttemptDelay(attempts, delays, retry.DefaultJitterFactor))

	if _, err := tx.ExecContext(ctx, `
		UPDATE verification SET
			claimant = '', claim_expires_ns = 0,
			attempts = ?, next_attempt_ns = ?
		WHERE id = ?`,
		attempts, next.UnixNano(), id); err != nil {
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
