package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thylacine/websub-hub-sub000/internal/model"
	"github.com/thylacine/websub-hub-sub000/internal/retry"
	"github.com/thylacine/websub-hub-sub000/internal/store"
)

// Repo implements store.Repository on a single SQLite database.
// All writes are serialized by an internal mutex.
type Repo struct {
	db *sql.DB
	mu sync.Mutex
}

var _ store.Repository = (*Repo)(nil)

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

func nsOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOf(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// --- topics ---

const topicColumns = `id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
	publisher_validation_url, content_hash_algorithm, is_active, is_deleted,
	content_type, content_hash, http_etag, http_last_modified,
	content_updated_ns, last_publish_ns, content_fetch_next_attempt_ns,
	content_fetch_attempts_since_success, claimant, claim_expires_ns`

func scanTopic(row interface{ Scan(...any) error }) (*model.Topic, error) {
	var t model.Topic
	var isActive, isDeleted int
	var contentUpdated, lastPublish, nextAttempt, claimExpires int64
	if err := row.Scan(
		&t.ID, &t.URL, &t.LeaseSecondsPreferred, &t.LeaseSecondsMin, &t.LeaseSecondsMax,
		&t.PublisherValidationURL, &t.ContentHashAlgorithm, &isActive, &isDeleted,
		&t.ContentType, &t.ContentHash, &t.HTTPETag, &t.HTTPLastModified,
		&contentUpdated, &lastPublish, &nextAttempt,
		&t.ContentFetchAttemptsSinceSuccess, &t.Claimant, &claimExpires,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan topic: %w", err)
	}
	t.IsActive = isActive != 0
	t.IsDeleted = isDeleted != 0
	t.ContentUpdated = timeOf(contentUpdated)
	t.LastPublish = timeOf(lastPublish)
	t.ContentFetchNextAttempt = timeOf(nextAttempt)
	t.ClaimExpires = timeOf(claimExpires)
	return &t, nil
}

// TopicByID loads a topic without its content bytes.
func (r *Repo) TopicByID(ctx context.Context, id string) (*model.Topic, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topic WHERE id = ?`, id)
	return scanTopic(row)
}

// TopicByURL loads a topic by its unique URL.
func (r *Repo) TopicByURL(ctx context.Context, url string) (*model.Topic, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topic WHERE url = ?`, url)
	return scanTopic(row)
}

// TopicContent loads a topic including its content bytes.
func (r *Repo) TopicContent(ctx context.Context, id string) (*model.Topic, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+topicColumns+`, content FROM topic WHERE id = ?`, id)
	var t model.Topic
	var isActive, isDeleted int
	var contentUpdated, lastPublish, nextAttempt, claimExpires int64
	if err := row.Scan(
		&t.ID, &t.URL, &t.LeaseSecondsPreferred, &t.LeaseSecondsMin, &t.LeaseSecondsMax,
		&t.PublisherValidationURL, &t.ContentHashAlgorithm, &isActive, &isDeleted,
		&t.ContentType, &t.ContentHash, &t.HTTPETag, &t.HTTPLastModified,
		&contentUpdated, &lastPublish, &nextAttempt,
		&t.ContentFetchAttemptsSinceSuccess, &t.Claimant, &claimExpires,
		&t.Content,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan topic content: %w", err)
	}
	t.IsActive = isActive != 0
	t.IsDeleted = isDeleted != 0
	t.ContentUpdated = timeOf(contentUpdated)
	t.LastPublish = timeOf(lastPublish)
	t.ContentFetchNextAttempt = timeOf(nextAttempt)
	t.ClaimExpires = timeOf(claimExpires)
	return &t, nil
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

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO topic (id, url, lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, t.URL, t.LeaseSecondsPreferred, t.LeaseSecondsMin, t.LeaseSecondsMax,
		t.PublisherValidationURL, algorithm)
	if err != nil {
		return "", mapConflict(err)
	}
	return id, nil
}

// TopicFetchRequested records a publish for the topic.
func (r *Repo) TopicFetchRequested(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx,
		`UPDATE topic SET last_publish_ns = ? WHERE id = ? AND is_deleted = 0`,
		at.UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// fetchableWhere matches the claim eligibility for topic fetches:
// publish newer than the last finished attempt, or backoff elapsed.
const fetchableWhere = `is_deleted = 0
	AND claim_expires_ns <= ?1
	AND (last_publish_ns > last_fetch_complete_ns
		OR (content_fetch_next_attempt_ns > 0 AND content_fetch_next_attempt_ns <= ?1))`

// TopicFetchClaim claims up to n fetchable topics.
func (r *Repo) TopicFetchClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error) {
	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE topic SET claimant = ?2, claim_expires_ns = ?3
		WHERE id IN (
			SELECT id FROM topic WHERE `+fetchableWhere+`
			ORDER BY content_fetch_next_attempt_ns LIMIT ?4
		)
		RETURNING id`,
		now.UnixNano(), claimant, expires.UnixNano(), n)
	if err != nil {
		return nil, fmt.Errorf("topic fetch claim: %w", err)
	}
	return collectIDs(rows)
}

// TopicFetchClaimByID claims one specific topic if it is fetchable.
func (r *Repo) TopicFetchClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error {
	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		UPDATE topic SET claimant = ?2, claim_expires_ns = ?3
		WHERE id = ?4 AND `+fetchableWhere,
		now.UnixNano(), claimant, expires.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("topic fetch claim %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrClaimUnavailable
	}
	return nil
}

// TopicFetchComplete clears the claim and resets fetch scheduling state.
func (r *Repo) TopicFetchComplete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		UPDATE topic SET
			claimant = '', claim_expires_ns = 0,
			content_fetch_attempts_since_success = 0,
			content_fetch_next_attempt_ns = 0,
			last_fetch_complete_ns = ?
		WHERE id = ?`,
		time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TopicFetchIncomplete reschedules the fetch via the backoff table.
func (r *Repo) TopicFetchIncomplete(ctx context.Context, id string, delays []time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT content_fetch_attempts_since_success FROM topic WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	attempts++
	now := time.Now()
	next := now.Add(retry.AttemptDelay(attempts, delays, retry.DefaultJitterFactor))

	if _, err := tx.ExecContext(ctx, `
		UPDATE topic SET
			claimant = '', claim_expires_ns = 0,
			content_fetch_attempts_since_success = ?,
			content_fetch_next_attempt_ns = ?,
			last_fetch_complete_ns = ?
		WHERE id = ?`,
		attempts, next.UnixNano(), now.UnixNano(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// TopicContentApply stores new content, activates the topic, records
// history, and completes the fetch in one transaction.
func (r *Repo) TopicContentApply(ctx context.Context, up store.ContentUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE topic SET
			content = ?, content_type = ?, content_hash = ?,
			http_etag = ?, http_last_modified = ?,
			content_updated_ns = ?, is_active = 1,
			claimant = '', claim_expires_ns = 0,
			content_fetch_attempts_since_success = 0,
			content_fetch_next_attempt_ns = 0,
			last_fetch_complete_ns = ?
		WHERE id = ?`,
		up.Content, up.ContentType, up.ContentHash,
		up.ETag, up.LastModified,
		up.UpdatedAt.UnixNano(), now.UnixNano(), up.TopicID)
	if err != nil {
		return fmt.Errorf("apply content: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO topic_content_history (topic_id, content_updated_ns, content_size, content_hash)
		VALUES (?, ?, ?, ?)`,
		up.TopicID, up.UpdatedAt.UnixNano(), len(up.Content), up.ContentHash); err != nil {
		return fmt.Errorf("record content history: %w", err)
	}
	return tx.Commit()
}

// TopicMarkDeleted soft-deletes the topic and bumps content_updated so the
// delivery path converts remaining subscriptions into denial notices.
func (r *Repo) TopicMarkDeleted(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		UPDATE topic SET is_deleted = 1, content_updated_ns = ? WHERE id = ?`,
		time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TopicPendingDelete physically deletes a soft-deleted topic once no
// subscriptions remain.
func (r *Repo) TopicPendingDelete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM topic
		WHERE id = ? AND is_deleted = 1
			AND NOT EXISTS (SELECT 1 FROM subscription WHERE topic_id = topic.id)`,
		id)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// TopicPurgeExpiredSubscriptions drops lapsed subscriptions of one topic.
func (r *Repo) TopicPurgeExpiredSubscriptions(ctx context.Context, topicID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscription WHERE topic_id = ? AND expires_at_ns < ?`,
		topicID, now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// TopicsPendingDelete lists soft-deleted topic ids.
func (r *Repo) TopicsPendingDelete(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM topic WHERE is_deleted = 1`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// TopicContentHistoryPrune keeps the newest retainPerTopic rows per topic.
func (r *Repo) TopicContentHistoryPrune(ctx context.Context, retainPerTopic int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM topic_content_history WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (
					PARTITION BY topic_id ORDER BY content_updated_ns DESC
				) AS rank
				FROM topic_content_history
			) WHERE rank > ?
		)`, retainPerTopic)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
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
