// Package model defines domain structs shared across the persistence layer.
package model

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"time"
)

// VerificationMode is the intent a verification row carries.
type VerificationMode string

const (
	ModeSubscribe   VerificationMode = "subscribe"
	ModeUnsubscribe VerificationMode = "unsubscribe"
	ModeDenied      VerificationMode = "denied"
)

// IsValid reports whether the mode is one of the three stored intents.
func (m VerificationMode) IsValid() bool {
	switch m {
	case ModeSubscribe, ModeUnsubscribe, ModeDenied:
		return true
	}
	return false
}

// DefaultHashAlgorithm is used for topic content hashing and delivery
// signatures when nothing else is configured.
const DefaultHashAlgorithm = "sha512"

// MaxSecretBytes caps subscriber secrets. Longer secrets are rejected at ingress.
const MaxSecretBytes = 199

// hashConstructors maps supported algorithm names to constructors.
var hashConstructors = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// NewHash returns a hash.Hash for the named algorithm.
func NewHash(algorithm string) (hash.Hash, error) {
	ctor, ok := hashConstructors[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	return ctor(), nil
}

// IsSupportedHashAlgorithm reports whether the named algorithm can be used
// for content hashing and delivery signatures.
func IsSupportedHashAlgorithm(algorithm string) bool {
	_, ok := hashConstructors[algorithm]
	return ok
}

// Topic is the unit of distribution: a URL whose content the hub mirrors.
// Content, ContentType and ContentHash are unset until the first successful
// fetch; ContentUpdated is the zero time until content first changes.
type Topic struct {
	ID                     string
	URL                    string
	LeaseSecondsPreferred  int
	LeaseSecondsMin        int
	LeaseSecondsMax        int
	PublisherValidationURL string // empty when the topic has no validator
	ContentHashAlgorithm   string
	IsActive               bool
	IsDeleted              bool

	Content          []byte // populated only by content loads
	ContentType      string
	ContentHash      string
	HTTPETag         string
	HTTPLastModified string
	ContentUpdated   time.Time
	LastPublish      time.Time

	ContentFetchNextAttempt          time.Time
	ContentFetchAttemptsSinceSuccess int

	Claimant     string
	ClaimExpires time.Time
}

// Subscription is an active (callback, topic) binding.
type Subscription struct {
	ID                 string
	TopicID            string
	Callback           string
	VerifiedAt         time.Time
	ExpiresAt          time.Time
	Secret             []byte // nil when delivery is unsigned
	SignatureAlgorithm string

	LatestContentDelivered       time.Time
	DeliveryAttemptsSinceSuccess int
	DeliveryNextAttempt          time.Time

	Claimant     string
	ClaimExpires time.Time
}

// Deliverable reports whether the subscription is eligible for a delivery
// of topic content last changed at contentUpdated.
func (s *Subscription) Deliverable(contentUpdated, now time.Time) bool {
	return s.ExpiresAt.After(now) &&
		s.LatestContentDelivered.Before(contentUpdated) &&
		!s.DeliveryNextAttempt.After(now) &&
		!s.ClaimExpires.After(now)
}

// Verification is a pending intent to subscribe, unsubscribe, or deny.
// Rows are transient: completion scrubs this row and any sibling rows for
// the same (callback, topic).
type Verification struct {
	ID                   string
	TopicID              string
	Callback             string
	Mode                 VerificationMode
	LeaseSeconds         int
	Secret               []byte
	SignatureAlgorithm   string
	IsPublisherValidated bool
	Reason               string

	Attempts    int
	NextAttempt time.Time

	Claimant     string
	ClaimExpires time.Time
	RequestID    string
}

// TopicContentHistory is one append-only audit record of a content change.
type TopicContentHistory struct {
	TopicID        string
	ContentUpdated time.Time
	ContentSize    int
	ContentHash    string
}
