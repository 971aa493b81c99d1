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

const subscriptionColumns = `id, topic_id, callback, verified_at_ns, expires_at_ns,
	secret, signature_algorithm, latest_content_delivered_ns,
	delivery_attempts_since_success, delivery_next_attempt_ns, claimant, claim_expires_ns`

func scanSubscription(row interface{ Scan(...any) error }) (*model.Subscription, error) {
	var s model.Subscription
	var verifiedAt, expiresAt, latestDelivered, nextAttempt, claimExpires int64
	if err := row.Scan(
		&s.ID, &s.TopicID, &s.Callback, &verifiedAt, &expiresAt,
		&s.Secret, &s.SignatureAlgorithm, &latestDelivered,
		&s.DeliveryAttemptsSinceSuccess, &nextAttempt, &s.Claimant, &claimExpires,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.VerifiedAt = timeOf(verifiedAt)
	s.ExpiresAt = timeOf(expiresAt)
	s.LatestContentDelivered = timeOf(latestDelivered)
	s.DeliveryNextAttempt = timeOf(nextAttempt)
	s.ClaimExpires = timeOf(claimExpires)
	return &s, nil
}

// SubscriptionByID loads one subscription.
func (r *Repo) SubscriptionByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscription WHERE id = ?`, id)
	return scanSubscription(row)
}

// SubscriptionsByTopic lists all subscriptions of a topic.
func (r *Repo) SubscriptionsByTopic(ctx context.Context, topicID string) ([]model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscription WHERE topic_id = ?`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// SubscriptionUpsert inserts or renews the (callback, topic) binding.
// Renewal preserves latest_content_delivered so an in-flight content
// version is not redelivered.
func (r *Repo) SubscriptionUpsert(ctx context.Context, s *model.Subscription) error {
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	algorithm := s.SignatureAlgorithm
	if algorithm == "" {
		algorithm = model.DefaultHashAlgorithm
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscription (id, topic_id, callback, verified_at_ns, expires_at_ns,
			secret, signature_algorithm)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(callback, topic_id) DO UPDATE SET
			verified_at_ns      = excluded.verified_at_ns,
			expires_at_ns       = excluded.expires_at_ns,
			secret              = excluded.secret,
			signature_algorithm = excluded.signature_algorithm`,
		id, s.TopicID, s.Callback, nsOf(s.VerifiedAt), nsOf(s.ExpiresAt),
		s.Secret, algorithm)
	return err
}

// SubscriptionDelete removes the (callback, topic) binding.
func (r *Repo) SubscriptionDelete(ctx context.Context, callback, topicID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscription WHERE callback = ? AND topic_id = ?`, callback, topicID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SubscriptionCountByTopic counts subscriptions of a topic.
func (r *Repo) SubscriptionCountByTopic(ctx context.Context, topicID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscription WHERE topic_id = ?`, topicID).Scan(&n)
	return n, err
}

// deliverableWhere matches delivery claim eligibility. The join supplies
// the topic's content_updated; deleted topics stay eligible so their
// delivery slots convert to denial notices.
const deliverableWhere = `s.expires_at_ns > ?1
	AND t.content_updated_ns > 0
	AND s.latest_content_delivered_ns < t.content_updated_ns
	AND s.delivery_next_attempt_ns <= ?1
	AND s.claim_expires_ns <= ?1`

// SubscriptionDeliveryClaim claims up to n deliverable subscriptions.
func (r *Repo) SubscriptionDeliveryClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE subscription SET claimant = ?2, claim_expires_ns = ?3
		WHERE id IN (
			SELECT s.id FROM subscription s
			JOIN topic t ON t.id = s.topic_id
			WHERE `+deliverableWhere+`
			ORDER BY s.delivery_next_attempt_ns LIMIT ?4
		)
		RETURNING id`,
		now.UnixNano(), claimant, expires.UnixNano(), n)
	if err != nil {
		return nil, fmt.Errorf("delivery claim: %w", err)
	}
	return collectIDs(rows)
}

// SubscriptionDeliveryClaimByID claims one specific deliverable subscription.
func (r *Repo) SubscriptionDeliveryClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error {
	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		UPDATE subscription SET claimant = ?2, claim_expires_ns = ?3
		WHERE id = ?4 AND id IN (
			SELECT s.id FROM subscription s
			JOIN topic t ON t.id = s.topic_id
			WHERE `+deliverableWhere+`
		)`,
		now.UnixNano(), claimant, expires.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("delivery claim %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrClaimUnavailable
	}
	return nil
}

// SubscriptionDeliveryComplete records the delivered content version.
func (r *Repo) SubscriptionDeliveryComplete(ctx context.Context, id string, contentUpdated time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		UPDATE subscription SET
			claimant = '', claim_expires_ns = 0,
			delivery_attempts_since_success = 0,
			delivery_next_attempt_ns = 0,
			latest_content_delivered_ns = MAX(latest_content_delivered_ns, ?)
		WHERE id = ?`,
		nsOf(contentUpdated), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SubscriptionDeliveryGone deletes the subscription after a 410 callback.
func (r *Repo) SubscriptionDeliveryGone(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `DELETE FROM subscription WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SubscriptionDeliveryIncomplete reschedules the delivery via backoff.
func (r *Repo) SubscriptionDeliveryIncomplete(ctx context.Context, id string, delays []time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT delivery_attempts_since_success FROM subscription WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	attempts++
	next := time.Now().Add(retry.AttemptDelay(attempts, delays, retry.DefaultJitterFactor))

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscription SET
			claimant = '', claim_expires_ns = 0,
			delivery_attempts_since_success = ?,
			delivery_next_attempt_ns = ?
		WHERE id = ?`,
		attempts, next.UnixNano(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// SubscriptionDeleteExpired drops lapsed subscriptions hub-wide.
func (r *Repo) SubscriptionDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscription WHERE expires_at_ns < ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeliveryConvertToDenial inserts a denied verification for the
// subscription's pair and marks the delivery complete, atomically.
func (r *Repo) DeliveryConvertToDenial(ctx context.Context, subscriptionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var callback, topicID string
	var contentUpdated int64
	if err := tx.QueryRowContext(ctx, `
		SELECT s.callback, s.topic_id, t.content_updated_ns
		FROM subscription s JOIN topic t ON t.id = s.topic_id
		WHERE s.id = ?`, subscriptionID,
	).Scan(&callback, &topicID, &contentUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO verification (id, topic_id, callback, mode, reason, next_attempt_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), topicID, callback, string(model.ModeDenied), reason,
		time.Now().UnixNano()); err != nil {
		return fmt.Errorf("insert denial: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscription SET
			claimant = '', claim_expires_ns = 0,
			delivery_attempts_since_success = 0,
			delivery_next_attempt_ns = 0,
			latest_content_delivered_ns = MAX(latest_content_delivered_ns, ?)
		WHERE id = ?`,
		contentUpdated, subscriptionID); err != nil {
		return err
	}
	return tx.Commit()
}
