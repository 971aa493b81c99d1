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

const subscriptionColumns = `id, topic_id, callback, verified_at, expires_at,
	secret, signature_algorithm, latest_content_delivered,
	delivery_attempts_since_success, delivery_next_attempt, claimant, claim_expires`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	var verifiedAt, expiresAt, latestDelivered, nextAttempt, claimExpires time.Time
	if err := row.Scan(
		&s.ID, &s.TopicID, &s.Callback, &verifiedAt, &expiresAt,
		&s.Secret, &s.SignatureAlgorithm, &latestDelivered,
		&s.DeliveryAttemptsSinceSuccess, &nextAttempt, &s.Claimant, &claimExpires,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	s.VerifiedAt = fromDB(verifiedAt)
	s.ExpiresAt = fromDB(expiresAt)
	s.LatestContentDelivered = fromDB(latestDelivered)
	s.DeliveryNextAttempt = fromDB(nextAttempt)
	s.ClaimExpires = fromDB(claimExpires)
	return &s, nil
}

// SubscriptionByID loads one subscription.
func (r *Repo) SubscriptionByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscription WHERE id = $1`, id)
	return scanSubscription(row)
}

// SubscriptionsByTopic lists all subscriptions of a topic.
func (r *Repo) SubscriptionsByTopic(ctx context.Context, topicID string) ([]model.Subscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscription WHERE topic_id = $1`, topicID)
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
func (r *Repo) SubscriptionUpsert(ctx context.Context, s *model.Subscription) error {
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	algorithm := s.SignatureAlgorithm
	if algorithm == "" {
		algorithm = model.DefaultHashAlgorithm
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO subscription (id, topic_id, callback, verified_at, expires_at,
			secret, signature_algorithm)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (callback, topic_id) DO UPDATE SET
			verified_at         = excluded.verified_at,
			expires_at          = excluded.expires_at,
			secret              = excluded.secret,
			signature_algorithm = excluded.signature_algorithm`,
		id, s.TopicID, s.Callback, toDB(s.VerifiedAt), toDB(s.ExpiresAt),
		s.Secret, algorithm)
	return err
}

// SubscriptionDelete removes the (callback, topic) binding.
func (r *Repo) SubscriptionDelete(ctx context.Context, callback, topicID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM subscription WHERE callback = $1 AND topic_id = $2`, callback, topicID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SubscriptionCountByTopic counts subscriptions of a topic.
func (r *Repo) SubscriptionCountByTopic(ctx context.Context, topicID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscription WHERE topic_id = $1`, topicID).Scan(&n)
	return n, err
}

const deliverableWhere = `s.expires_at > now()
	AND t.content_updated > 'epoch'
	AND s.latest_content_delivered < t.content_updated
	AND s.delivery_next_attempt <= now()
	AND s.claim_expires <= now()`

// SubscriptionDeliveryClaim claims up to n deliverable subscriptions.
func (r *Repo) SubscriptionDeliveryClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		WITH eligible AS (
			SELECT s.id FROM subscription s
			JOIN topic t ON t.id = s.topic_id
			WHERE `+deliverableWhere+`
			ORDER BY s.delivery_next_attempt
			LIMIT $1
			FOR UPDATE OF s SKIP LOCKED
		)
		UPDATE subscription SET claimant = $2, claim_expires = now() + make_interval(secs => $3)
		FROM eligible WHERE subscription.id = eligible.id
		RETURNING subscription.id`,
		n, claimant, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("delivery claim: %w", err)
	}
	return collectIDs(rows)
}

// SubscriptionDeliveryClaimByID claims one specific deliverable subscription.
func (r *Repo) SubscriptionDeliveryClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE subscription SET claimant = $1, claim_expires = now() + make_interval(secs => $2)
		WHERE id = $3 AND id IN (
			SELECT s.id FROM subscription s
			JOIN topic t ON t.id = s.topic_id
			WHERE `+deliverableWhere+`
		)`,
		claimant, leaseSeconds, id)
	if err != nil {
		return fmt.Errorf("delivery claim %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrClaimUnavailable
	}
	return nil
}

// SubscriptionDeliveryComplete records the delivered content version.
func (r *Repo) SubscriptionDeliveryComplete(ctx context.Context, id string, contentUpdated time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE subscription SET
			claimant = '', claim_expires = 'epoch',
			delivery_attempts_since_success = 0,
			delivery_next_attempt = 'epoch',
			latest_content_delivered = GREATEST(latest_content_delivered, $1)
		WHERE id = $2`,
		toDB(contentUpdated), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SubscriptionDeliveryGone deletes the subscription after a 410 callback.
func (r *Repo) SubscriptionDeliveryGone(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM subscription WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SubscriptionDeliveryIncomplete reschedules the delivery via backoff.
func (r *Repo) SubscriptionDeliveryIncomplete(ctx context.Context, id string, delays []time.Duration) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var attempts int
	if err := tx.QueryRow(ctx,
		`SELECT delivery_attempts_since_success FROM subscription WHERE id = $1 FOR UPDATE`, id,
	).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	attempts++
	next := time.Now().Add(retry.AttemptDelay(attempts, delays, retry.DefaultJitterFactor))

	if _, err := tx.Exec(ctx, `
		UPDATE subscription SET
			claimant = '', claim_expires = 'epoch',
			delivery_attempts_since_success = $1,
			delivery_next_attempt = $2
		WHERE id = $3`,
		attempts, next.UTC(), id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SubscriptionDeleteExpired drops lapsed subscriptions hub-wide.
func (r *Repo) SubscriptionDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM subscription WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeliveryConvertToDenial inserts a denied verification for the
// subscription's pair and marks the delivery complete, atomically.
func (r *Repo) DeliveryConvertToDenial(ctx context.Context, subscriptionID, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var callback, topicID string
	var contentUpdated time.Time
	if err := tx.QueryRow(ctx, `
		SELECT s.callback, s.topic_id, t.content_updated
		FROM subscription s JOIN topic t ON t.id = s.topic_id
		WHERE s.id = $1 FOR UPDATE OF s`, subscriptionID,
	).Scan(&callback, &topicID, &contentUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO verification (id, topic_id, callback, mode, reason, next_attempt)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New().String(), topicID, callback, string(model.ModeDenied), reason); err != nil {
		return fmt.Errorf("insert denial: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE subscription SET
			claimant = '', claim_expires = 'epoch',
			delivery_attempts_since_success = 0,
			delivery_next_attempt = 'epoch',
			latest_content_delivered = GREATEST(latest_content_delivered, $1)
		WHERE id = $2`,
		contentUpdated, subscriptionID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
