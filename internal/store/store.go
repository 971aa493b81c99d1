// Package store defines the repository interface the work engine runs
// against. Two backends implement it: an embedded SQLite store and a
// client-server PostgreSQL store with LISTEN/NOTIFY cache invalidation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/thylacine/websub-hub-sub000/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrClaimUnavailable is returned by per-id claims when the row is
	// already claimed, ineligible, or gone. Callers treat it as "someone
	// else has it" and move on.
	ErrClaimUnavailable = errors.New("claim unavailable")
)

// ContentUpdate carries the result of a fetch that produced new content.
// Applying it stores the content, advances content_updated, activates the
// topic, records a history row, and completes the fetch — atomically.
type ContentUpdate struct {
	TopicID      string
	Content      []byte
	ContentType  string
	ContentHash  string
	ETag         string
	LastModified string
	UpdatedAt    time.Time
}

// Repository is the persistence boundary of the hub core. All composite
// operations are atomic within one backend transaction.
type Repository interface {
	Close() error

	// --- topics ---

	TopicByID(ctx context.Context, id string) (*model.Topic, error)
	TopicByURL(ctx context.Context, url string) (*model.Topic, error)
	// TopicContent loads the topic including its content bytes. Backends
	// may serve this from a cache.
	TopicContent(ctx context.Context, id string) (*model.Topic, error)
	// TopicCreate inserts a new topic and returns its id. ErrConflict when
	// the URL is already registered.
	TopicCreate(ctx context.Context, t *model.Topic) (string, error)
	// TopicFetchRequested records a publish: last_publish=at and makes the
	// topic immediately fetchable.
	TopicFetchRequested(ctx context.Context, id string, at time.Time) error

	TopicFetchClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error)
	TopicFetchClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error
	TopicFetchComplete(ctx context.Context, id string) error
	TopicFetchIncomplete(ctx context.Context, id string, delays []time.Duration) error
	// TopicContentApply stores new content per up. See ContentUpdate.
	TopicContentApply(ctx context.Context, up ContentUpdate) error
	// TopicMarkDeleted soft-deletes the topic and bumps content_updated so
	// subscribers receive one final (denial) notification.
	TopicMarkDeleted(ctx context.Context, id string) error
	// TopicPendingDelete physically removes a soft-deleted topic when no
	// subscriptions remain. Reports whether the row was deleted.
	TopicPendingDelete(ctx context.Context, id string) (bool, error)
	// TopicPurgeExpiredSubscriptions drops subscriptions of the topic whose
	// lease has lapsed.
	TopicPurgeExpiredSubscriptions(ctx context.Context, topicID string, now time.Time) (int64, error)
	// TopicsPendingDelete lists soft-deleted topic ids for maintenance sweeps.
	TopicsPendingDelete(ctx context.Context) ([]string, error)

	// --- subscriptions ---

	SubscriptionByID(ctx context.Context, id string) (*model.Subscription, error)
	SubscriptionsByTopic(ctx context.Context, topicID string) ([]model.Subscription, error)
	// SubscriptionUpsert inserts or renews the (callback, topic) binding.
	SubscriptionUpsert(ctx context.Context, s *model.Subscription) error
	SubscriptionDelete(ctx context.Context, callback, topicID string) error
	SubscriptionCountByTopic(ctx context.Context, topicID string) (int, error)

	SubscriptionDeliveryClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error)
	SubscriptionDeliveryClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error
	// SubscriptionDeliveryComplete records the delivered content version and
	// resets the attempt counter.
	SubscriptionDeliveryComplete(ctx context.Context, id string, contentUpdated time.Time) error
	// SubscriptionDeliveryGone deletes the subscription after a 410 callback.
	SubscriptionDeliveryGone(ctx context.Context, id string) error
	SubscriptionDeliveryIncomplete(ctx context.Context, id string, delays []time.Duration) error
	// SubscriptionDeleteExpired drops lapsed subscriptions hub-wide.
	SubscriptionDeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// DeliveryConvertToDenial atomically inserts a denied verification for
	// the subscription's (callback, topic) and marks the delivery complete.
	// Used when a delivery slot discovers its topic is deleted.
	DeliveryConvertToDenial(ctx context.Context, subscriptionID, reason string) error

	// --- verifications ---

	VerificationInsert(ctx context.Context, v *model.Verification) (string, error)
	VerificationByID(ctx context.Context, id string) (*model.Verification, error)
	// VerificationUpdate rewrites mutable fields (mode, reason,
	// is_publisher_validated) of a claimed row.
	VerificationUpdate(ctx context.Context, v *model.Verification) error

	VerificationClaim(ctx context.Context, n, leaseSeconds int, claimant string) ([]string, error)
	VerificationClaimByID(ctx context.Context, id string, leaseSeconds int, claimant string) error
	// VerificationComplete scrubs the row and every sibling pending
	// verification with the same (callback, topic).
	VerificationComplete(ctx context.Context, id string) error
	VerificationIncomplete(ctx context.Context, id string, delays []time.Duration) error

	// --- maintenance ---

	// TopicContentHistoryPrune keeps the most recent retainPerTopic history
	// rows per topic and deletes the rest.
	TopicContentHistoryPrune(ctx context.Context, retainPerTopic int) (int64, error)
}
