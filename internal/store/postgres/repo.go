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

// --- topics ---

const topicColumns = `id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
	publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
	content_type, content_hash, http_etag, http_last_modified,
	content_updated, last_publish, content_fetch_next_attempt,
	content_fetch_attempts_since_success, claimant, claim_expires`

func scanTopic(row pgx.Row, withContent bool) (*model.Topic, error) {
	var t model.Topic
	var contentUpdated, lastPublish, nextAttempt, claimExpires time.Time
	dest := []any{
		&t.ID, &t.URL, &t.LeaseSecondsPreferred, &t.LeaseSecondsMin, &t.LeaseSecondsMax,
		&t.PublisherValidationURL, &t.ContentHashAlgorithm, &t.IsActive, &t.IsDeleted,
		&t.ContentType, &t.ContentHash, &t.HTTPETag, &t.HTTPLastModified,
		&contentUpdated, &lastPublish, &nextAttempt,
		&t.ContentFetchAttemptsSinceSuccess, &t.Claimant, &claimExpires,
	}
	if withContent {
		dest = append(dest, &t.Content)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan topic: %w", err)
	}
	t.ContentUpdated = fromDB(contentUpdated)
	t.LastPublish = fromDB(lastPublish)
	t.ContentFetchNextAttempt = fromDB(nextAttempt)
	t.ClaimExpires = fromDB(claimExpires)
	return &t, nil
}

// TopicByID loads a topic without its content bytes.
func (r *Repo) TopicByID(ctx context.Context, id string) (*model.Topic, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+topicColumns+` FROM topic WHERE id = $1`, id)
	return scanTopic(row, false)
}

// TopicByURL loads a topic by its unique URL.
func (r *Repo) TopicByURL(ctx context.Context, url string) (*model.Topic, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+topicColumns+` FROM topic WHERE url = $1`, url)
	return scanTopic(row, false)
}

// TopicContent loads a topic including its content bytes, via the cache
// whenever the notification listener is healthy.
func (r *Repo) TopicContent(ctx context.Context, id string) (*model.Topic, error) {
	if r.cache != nil {
		if topic, ok := r.cache.Get(id); ok {
			return topic, nil
		}
	}
	row := r.pool.QueryRow(ctx, `SELECT `+topicColumns+`, content FROM topic WHERE id = $1`, id)
	topic, err := scanTopic(row, true)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(id, topic)
	}
	return topic, nil
}

// TopicCreate inserts a new topic and returns its id.
func (r *Repo) TopicCreate(ctx context.Context, t *model.Topic) (string, error) {
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	algorithm := t.ContentHashAlgorithm
	if algorithm == "" {
		algorithm = model.DefaultHashAlgorithm
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO topic (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, t.URL, t.LeaseSecondsPreferred, t.LeaseSecondsMin, t.LeaseSecondsMax,
		t.PublisherValidationURL, algorithm)
	if err != nil {
		return "", mapConflict(err)
	}
	return id, nil
}

// TopicFetchRequested records a publish for the topic.
func (r *Repo) TopicFetchRequested(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE topic SET last_publish = $1 WHERE id = $2 AND NOT is_deleted`,
		at.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const fetchableWhere = `NOT is_deleted
	AND claim_expires <= now()
	AND (last_publish > last_fetch_complete
		OR (content_fetch_next_attempt > 'epoch' AND content_fetch_next_attempt <= now()))`

// TopicFetchClaim claims up to n fetchable topics with row-level locking
// so concurrent hub nodes never win the same row.
func (r *Repo) TopicFetchClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM topic
			WHERE `+fetchableWhere+`
			ORDER BY content_fetch_next_attempt
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE topic SET claimant = $2, claim_expires = now() + make_interval(secs => $3)
		FROM eligible WHERE topic.id = eligible.id
		RETURNING topic.id`,
		n, claimant, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("topic fetch claim: %w", err)
	}
	return collectIDs(rows)
}

// TopicFetchClaimByID claims one specific topic if it is fetchable.
func (r *Repo) TopicFetchClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE topic SET claimant = $1, claim_expires = now() + make_interval(secs => $2)
		WHERE id = $3 AND `+fetchableWhere,
		claimant, leaseSeconds, id)
	if err != nil {
		return fmt.Errorf("topic fetch claim %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrClaimUnavailable
	}
	return nil
}

// TopicFetchComplete clears the claim and resets fetch scheduling state.
func (r *Repo) TopicFetchComplete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE topic SET
			claimant = '', claim_expires = 'epoch',
			content_fetch_attempts_since_success = 0,
			content_fetch_next_attempt = 'epoch',
			last_fetch_complete = now()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TopicFetchIncomplete reschedules the fetch via the backoff table.
func (r *Repo) TopicFetchIncomplete(ctx context.Context, id string, delays []time.Duration) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var attempts int
	if err := tx.QueryRow(ctx,
		`SELECT content_fetch_attempts_since_success FROM topic WHERE id = $1 FOR UPDATE`, id,
	).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	attempts++
	next := time.Now().Add(retry.AttemptDelay(attempts, delays, retry.DefaultJitterFactor))

	if _, err := tx.Exec(ctx, `
		UPDATE topic SET
			claimant = '', claim_expires = 'epoch',
			content_fetch_attempts_since_success = $1,
			content_fetch_next_attempt = $2,
			last_fetch_complete = now()
		WHERE id = $3`,
		attempts, next.UTC(), id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TopicContentApply stores new content, records history, completes the
// fetch, and notifies listeners — in one transaction.
func (r *Repo) TopicContentApply(ctx context.Context, up store.ContentUpdate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE topic SET
			content = $1, content_type = $2, content_hash = $3,
			http_etag = $4, http_last_modified = $5,
			content_updated = $6, is_active = TRUE,
			claimant = '', claim_expires = 'epoch',
			content_fetch_attempts_since_success = 0,
			content_fetch_next_attempt = 'epoch',
			last_fetch_complete = now()
		WHERE id = $7`,
		up.Content, up.ContentType, up.ContentHash,
		up.ETag, up.LastModified, up.UpdatedAt.UTC(), up.TopicID)
	if err != nil {
		return fmt.Errorf("apply content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO topic_content_history (topic_id, content_updated, content_size, content_hash)
		VALUES ($1, $2, $3, $4)`,
		up.TopicID, up.UpdatedAt.UTC(), len(up.Content), up.ContentHash); err != nil {
		return fmt.Errorf("record content history: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`SELECT pg_notify($1, $2)`, NotificationChannel, up.TopicID); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return tx.Commit(ctx)
}

// TopicMarkDeleted soft-deletes the topic, bumps content_updated, and
// notifies listeners so caches evict the stale content.
func (r *Repo) TopicMarkDeleted(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE topic SET is_deleted = TRUE, content_updated = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotificationChannel, id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return tx.Commit(ctx)
}

// TopicPendingDelete physically deletes a soft-deleted topic once no
// subscriptions remain.
func (r *Repo) TopicPendingDelete(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM topic
		WHERE id = $1 AND is_deleted
			AND NOT EXISTS (SELECT 1 FROM subscription WHERE topic_id = topic.id)`, id)
	if err != nil {
		return false, err
	}
	deleted := tag.RowsAffected() > 0
	if deleted && r.cache != nil {
		r.cache.Evict(id)
	}
	return deleted, nil
}

// TopicPurgeExpiredSubscriptions drops lapsed subscriptions of one topic.
func (r *Repo) TopicPurgeExpiredSubscriptions(ctx context.Context, topicID string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM subscription WHERE topic_id = $1 AND expires_at < $2`,
		topicID, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TopicsPendingDelete lists soft-deleted topic ids.
func (r *Repo) TopicsPendingDelete(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM topic WHERE is_deleted`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// TopicContentHistoryPrune keeps the newest retainPerTopic rows per topic.
func (r *Repo) TopicContentHistoryPrune(ctx context.Context, retainPerTopic int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM topic_content_history WHERE ctid IN (
			SELECT ctid FROM (
				SELECT ctid, ROW_NUMBER() OVER (
					PARTITION BY topic_id ORDER BY content_updated DESC
				) AS rank
				FROM topic_content_history
			) ranked WHERE rank > $1
		)`, retainPerTopic)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
