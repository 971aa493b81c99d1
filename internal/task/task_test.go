package task

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thylacine/websub-hub-sub000/internal/discovery"
	"github.com/thylacine/websub-hub-sub000/internal/httpclient"
	"github.com/thylacine/websub-hub-sub000/internal/model"
	"github.com/thylacine/websub-hub-sub000/internal/store"
	"github.com/thylacine/websub-hub-sub000/internal/store/sqlite"
)

const testSelfURL = "https://hub.example.com"

func newTestProcessor(t *testing.T, strict bool) (*Processor, *sqlite.Repo) {
	t.Helper()
	repo, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	p := NewProcessor(Config{
		Repo:               repo,
		Client:             httpclient.New(httpclient.Config{UserAgent: "websub-hub/test", MaxAttempts: 1}),
		Discoverer:         discovery.New(testSelfURL),
		SelfBaseURL:        testSelfURL,
		StrictTopicHubLink: strict,
		FetchRetryDelays:   []time.Duration{time.Hour},
		VerifyRetryDelays:  []time.Duration{time.Hour},
		DeliveryRetryDelays: []time.Duration{
			60 * time.Second, 120 * time.Second,
		},
	})
	return p, repo
}

func mustCreateTopic(t *testing.T, repo *sqlite.Repo, url string) string {
	t.Helper()
	id, err := repo.TopicCreate(context.Background(), &model.Topic{
		URL:                   url,
		LeaseSecondsPreferred: 86400,
		LeaseSecondsMin:       300,
		LeaseSecondsMax:       864000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func mustActivate(t *testing.T, repo *sqlite.Repo, topicID string, content []byte) {
	t.Helper()
	hash := sha512.Sum512(content)
	err := repo.TopicContentApply(context.Background(), store.ContentUpdate{
		TopicID:     topicID,
		Content:     content,
		ContentType: "application/atom+xml",
		ContentHash: hex.EncodeToString(hash[:]),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// --- fetcher ---

func TestProcessTopicFetch_StoresContentAndActivates(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	body := `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><link rel="hub" href="` + testSelfURL + `"/></feed>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept"), "*/*") {
			t.Errorf("missing Accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Header().Set("ETag", `"abc"`)
		io.WriteString(w, body)
	}))
	defer srv.Close()

	topicID := mustCreateTopic(t, repo, srv.URL)
	if err := repo.TopicFetchRequested(ctx, topicID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessTopicFetch(ctx, topicID); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	topic, err := repo.TopicContent(ctx, topicID)
	if err != nil {
		t.Fatal(err)
	}
	if !topic.IsActive {
		t.Fatal("topic must be active after first successful fetch")
	}
	if string(topic.Content) != body {
		t.Fatal("content not stored")
	}
	if topic.HTTPETag != `"abc"` {
		t.Fatalf("etag not stored, got %q", topic.HTTPETag)
	}
	if topic.ContentUpdated.IsZero() {
		t.Fatal("content_updated must be set")
	}
}

func TestProcessTopicFetch_304ShortCircuits(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		io.WriteString(w, "content-v1")
	}))
	defer srv.Close()

	topicID := mustCreateTopic(t, repo, srv.URL)
	if err := repo.TopicFetchRequested(ctx, topicID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessTopicFetch(ctx, topicID); err != nil {
		t.Fatal(err)
	}
	first, _ := repo.TopicByID(ctx, topicID)

	// Second publish: conditional fetch comes back 304.
	if err := repo.TopicFetchRequested(ctx, topicID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessTopicFetch(ctx, topicID); err != nil {
		t.Fatal(err)
	}
	second, _ := repo.TopicByID(ctx, topicID)

	if requests != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
	if !second.ContentUpdated.Equal(first.ContentUpdated) {
		t.Fatal("304 must not advance content_updated")
	}
	if second.ContentFetchAttemptsSinceSuccess != 0 {
		t.Fatal("304 is a successful completion")
	}
}

func TestProcessTopicFetch_UnchangedHashIsNoOp(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "same-content")
	}))
	defer srv.Close()

	topicID := mustCreateTopic(t, repo, srv.URL)
	repo.TopicFetchRequested(ctx, topicID, time.Now())
	if err := p.ProcessTopicFetch(ctx, topicID); err != nil {
		t.Fatal(err)
	}
	first, _ := repo.TopicByID(ctx, topicID)

	repo.TopicFetchRequested(ctx, topicID, time.Now())
	if err := p.ProcessTopicFetch(ctx, topicID); err != nil {
		t.Fatal(err)
	}
	second, _ := repo.TopicByID(ctx, topicID)

	if !second.ContentUpdated.Equal(first.ContentUpdated) {
		t.Fatal("identical hash must not advance content_updated")
	}
}

func TestProcessTopicFetch_5xxBacksOff(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	topicID := mustCreateTopic(t, repo, srv.URL)
	repo.TopicFetchRequested(ctx, topicID, time.Now())
	if err := p.ProcessTopicFetch(ctx, topicID); err != nil {
		t.Fatal(err)
	}

	topic, _ := repo.TopicByID(ctx, topicID)
	if topic.ContentFetchAttemptsSinceSuccess != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", topic.ContentFetchAttemptsSinceSuccess)
	}
	if topic.IsActive {
		t.Fatal("failed first fetch must not activate topic")
	}
}

func TestProcessTopicFetch_StrictDelistsTopic(t *testing.T) {
	p, repo := newTestProcessor(t, true)
	ctx := context.Background()

	// Content changes but no longer advertises this hub.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><link rel="hub" href="https://other.example.org"></head></html>`)
	}))
	defer srv.Close()

	topicID := mustCreateTopic(t, repo, srv.URL)
	mustActivate(t, repo, topicID, []byte("old content"))
	now := time.Now()
	if err := repo.SubscriptionUpsert(ctx, &model.Subscription{
		TopicID: topicID, Callback: "https://sub.example.net/cb",
		VerifiedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	repo.TopicFetchRequested(ctx, topicID, time.Now())
	if err := p.ProcessTopicFetch(ctx, topicID); err != nil {
		t.Fatal(err)
	}

	topic, err := repo.TopicByID(ctx, topicID)
	if err != nil {
		t.Fatal(err)
	}
	if !topic.IsDeleted {
		t.Fatal("topic must be soft-deleted under strict hub-link policy")
	}
	// content_updated bumped so subscribers get one final notification.
	ids, _ := repo.SubscriptionDeliveryClaim(ctx, 10, 300, "node-1")
	if len(ids) != 1 {
		t.Fatal("delisting must schedule one final delivery slot")
	}
}

// --- verifier ---

func TestProcessVerification_HappyPathSubscribe(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	var seen map[string]string
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seen = map[string]string{
			"mode":          q.Get("hub.mode"),
			"topic":         q.Get("hub.topic"),
			"lease_seconds": q.Get("hub.lease_seconds"),
			"id":            q.Get("id"),
		}
		io.WriteString(w, q.Get("hub.challenge"))
	}))
	defer callback.Close()

	topicID := mustCreateTopic(t, repo, "https://example.com/blog/")
	mustActivate(t, repo, topicID, []byte("v1"))

	before := time.Now()
	vID, err := repo.VerificationInsert(ctx, &model.Verification{
		TopicID:      topicID,
		Callback:     callback.URL + "/cb?id=1",
		Mode:         model.ModeSubscribe,
		LeaseSeconds: 864000,
		Secret:       []byte("shared"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ProcessVerification(ctx, vID); err != nil {
		t.Fatalf("verification: %v", err)
	}

	if seen["mode"] != "subscribe" || seen["topic"] != "https://example.com/blog/" ||
		seen["lease_seconds"] != "864000" || seen["id"] != "1" {
		t.Fatalf("unexpected challenge params: %v", seen)
	}

	subs, err := repo.SubscriptionsByTopic(ctx, topicID)
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %v %v", subs, err)
	}
	sub := subs[0]
	if string(sub.Secret) != "shared" {
		t.Fatal("secret not copied to subscription")
	}
	wantExpiry := sub.VerifiedAt.Add(864000 * time.Second)
	if !sub.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expires_at %v != verified_at + lease %v", sub.ExpiresAt, wantExpiry)
	}
	if sub.VerifiedAt.Before(before.Truncate(time.Second)) {
		t.Fatalf("verified_at %v predates the verification", sub.VerifiedAt)
	}

	if _, err := repo.VerificationByID(ctx, vID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("verification row must be scrubbed after completion")
	}
}

func TestProcessVerification_ChallengeMismatchRejects(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "nope")
	}))
	defer callback.Close()

	topicID := mustCreateTopic(t, repo, "https://example.com/blog/")
	mustActivate(t, repo, topicID, []byte("v1"))
	vID, _ := repo.VerificationInsert(ctx, &model.Verification{
		TopicID: topicID, Callback: callback.URL + "/cb", Mode: model.ModeSubscribe, LeaseSeconds: 3600,
	})

	if err := p.ProcessVerification(ctx, vID); err != nil {
		t.Fatal(err)
	}

	if n, _ := repo.SubscriptionCountByTopic(ctx, topicID); n != 0 {
		t.Fatal("challenge mismatch must not create a subscription")
	}
	// Scrubbed: no retry.
	if _, err := repo.VerificationByID(ctx, vID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("mismatched verification must be scrubbed, not retried")
	}
}

func TestProcessVerification_CallbackErrorRetries(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer callback.Close()

	topicID := mustCreateTopic(t, repo, "https://example.com/blog/")
	mustActivate(t, repo, topicID, []byte("v1"))
	vID, _ := repo.VerificationInsert(ctx, &model.Verification{
		TopicID: topicID, Callback: callback.URL + "/cb", Mode: model.ModeSubscribe, LeaseSeconds: 3600,
	})

	if err := p.ProcessVerification(ctx, vID); err != nil {
		t.Fatal(err)
	}
	v, err := repo.VerificationByID(ctx, vID)
	if err != nil {
		t.Fatal("5xx callback must keep the row for retry")
	}
	if v.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", v.Attempts)
	}
}

func TestProcessVerification_PublisherValidationDenies(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	validator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("validator expects JSON, got %q", r.Header.Get("Content-Type"))
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer validator.Close()

	var denial map[string]string
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		denial = map[string]string{
			"mode":   q.Get("hub.mode"),
			"reason": q.Get("hub.reason"),
		}
	}))
	defer callback.Close()

	topicID, err := repo.TopicCreate(ctx, &model.Topic{
		URL:                    "https://example.com/blog/",
		LeaseSecondsPreferred:  86400,
		LeaseSecondsMin:        300,
		LeaseSecondsMax:        864000,
		PublisherValidationURL: validator.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	mustActivate(t, repo, topicID, []byte("v1"))
	vID, _ := repo.VerificationInsert(ctx, &model.Verification{
		TopicID: topicID, Callback: callback.URL + "/cb", Mode: model.ModeSubscribe, LeaseSeconds: 3600,
	})

	if err := p.ProcessVerification(ctx, vID); err != nil {
		t.Fatal(err)
	}

	if denial["mode"] != "denied" || denial["reason"] != "publisher rejected request" {
		t.Fatalf("callback must be notified of denial, got %v", denial)
	}
	if n, _ := repo.SubscriptionCountByTopic(ctx, topicID); n != 0 {
		t.Fatal("denied request must not create a subscription")
	}
	if _, err := repo.VerificationByID(ctx, vID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("acknowledged denial must scrub the verification")
	}
}

func TestProcessVerification_PublisherValidator5xxRetries(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	validator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer validator.Close()

	topicID, _ := repo.TopicCreate(ctx, &model.Topic{
		URL:                    "https://example.com/blog/",
		LeaseSecondsPreferred:  86400,
		LeaseSecondsMin:        300,
		LeaseSecondsMax:        864000,
		PublisherValidationURL: validator.URL,
	})
	mustActivate(t, repo, topicID, []byte("v1"))
	vID, _ := repo.VerificationInsert(ctx, &model.Verification{
		TopicID: topicID, Callback: "https://sub.example.net/cb", Mode: model.ModeSubscribe, LeaseSeconds: 3600,
	})

	if err := p.ProcessVerification(ctx, vID); err != nil {
		t.Fatal(err)
	}
	v, err := repo.VerificationByID(ctx, vID)
	if err != nil {
		t.Fatal("validator 5xx must keep the row for retry")
	}
	if v.IsPublisherValidated {
		t.Fatal("validation must not be recorded on 5xx")
	}
	if v.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", v.Attempts)
	}
}

func TestProcessVerification_UnsubscribeSkipsPublisherValidation(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	validatorCalled := false
	validator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		validatorCalled = true
	}))
	defer validator.Close()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.Query().Get("hub.challenge"))
	}))
	defer callback.Close()

	topicID, _ := repo.TopicCreate(ctx, &model.Topic{
		URL:                    "https://example.com/blog/",
		LeaseSecondsPreferred:  86400,
		LeaseSecondsMin:        300,
		LeaseSecondsMax:        864000,
		PublisherValidationURL: validator.URL,
	})
	mustActivate(t, repo, topicID, []byte("v1"))

	now := time.Now()
	if err := repo.SubscriptionUpsert(ctx, &model.Subscription{
		TopicID: topicID, Callback: callback.URL + "/cb",
		VerifiedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	vID, _ := repo.VerificationInsert(ctx, &model.Verification{
		TopicID: topicID, Callback: callback.URL + "/cb", Mode: model.ModeUnsubscribe,
	})

	if err := p.ProcessVerification(ctx, vID); err != nil {
		t.Fatal(err)
	}
	if validatorCalled {
		t.Fatal("publisher validation must not run for unsubscribe")
	}
	if n, _ := repo.SubscriptionCountByTopic(ctx, topicID); n != 0 {
		t.Fatal("verified unsubscribe must delete the subscription")
	}
}

// --- deliverer ---

func TestProcessDelivery_SignedDelivery(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	content := []byte("<feed>fresh</feed>")
	secret := []byte("s3cret")

	var gotBody []byte
	var gotHeader http.Header
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
	}))
	defer callback.Close()

	topicID := mustCreateTopic(t, repo, "https://example.com/blog/")
	mustActivate(t, repo, topicID, content)
	now := time.Now()
	if err := repo.SubscriptionUpsert(ctx, &model.Subscription{
		TopicID: topicID, Callback: callback.URL + "/cb",
		VerifiedAt: now, ExpiresAt: now.Add(time.Hour),
		Secret: secret, SignatureAlgorithm: "sha512",
	}); err != nil {
		t.Fatal(err)
	}

	ids, _ := repo.SubscriptionDeliveryClaim(ctx, 1, 300, "node-1")
	if len(ids) != 1 {
		t.Fatal("expected one delivery claim")
	}
	if err := p.ProcessDelivery(ctx, ids[0]); err != nil {
		t.Fatalf("delivery: %v", err)
	}

	if string(gotBody) != string(content) {
		t.Fatal("delivered body must be the topic content, unmodified")
	}
	if ct := gotHeader.Get("Content-Type"); ct != "application/atom+xml" {
		t.Fatalf("unexpected content type %q", ct)
	}
	link := gotHeader.Get("Link")
	if !strings.Contains(link, `<https://example.com/blog/>; rel="self"`) ||
		!strings.Contains(link, `<`+testSelfURL+`>; rel="hub"`) {
		t.Fatalf("unexpected Link header %q", link)
	}

	mac := hmac.New(sha512.New, secret)
	mac.Write(content)
	want := "sha512=" + hex.EncodeToString(mac.Sum(nil))
	if gotHeader.Get("X-Hub-Signature") != want {
		t.Fatalf("signature mismatch: got %q want %q", gotHeader.Get("X-Hub-Signature"), want)
	}

	sub, _ := repo.SubscriptionByID(ctx, ids[0])
	topic, _ := repo.TopicByID(ctx, topicID)
	if sub.LatestContentDelivered.Before(topic.ContentUpdated) {
		t.Fatal("delivery completion must record the delivered version")
	}
}

func TestProcessDelivery_TransientFailureThenSuccess(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	var calls int
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer callback.Close()

	topicID := mustCreateTopic(t, repo, "https://example.com/blog/")
	mustActivate(t, repo, topicID, []byte("v2"))
	now := time.Now()
	if err := repo.SubscriptionUpsert(ctx, &model.Subscription{
		TopicID: topicID, Callback: callback.URL + "/cb",
		VerifiedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	ids, _ := repo.SubscriptionDeliveryClaim(ctx, 1, 300, "node-1")
	if err := p.ProcessDelivery(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}

	sub, _ := repo.SubscriptionByID(ctx, ids[0])
	if sub.DeliveryAttemptsSinceSuccess != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", sub.DeliveryAttemptsSinceSuccess)
	}
	if !sub.LatestContentDelivered.IsZero() {
		t.Fatal("failed delivery must not advance latest_content_delivered")
	}
	// First table entry is 60s: jittered into [60s, ~97s].
	min := time.Now().Add(59 * time.Second)
	max := time.Now().Add(2 * time.Minute)
	if sub.DeliveryNextAttempt.Before(min) || sub.DeliveryNextAttempt.After(max) {
		t.Fatalf("next attempt %v outside backoff window", sub.DeliveryNextAttempt)
	}

	// Second attempt, as the scheduler would run it after the delay.
	if err := p.ProcessDelivery(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	sub, _ = repo.SubscriptionByID(ctx, ids[0])
	topic, _ := repo.TopicByID(ctx, topicID)
	if sub.DeliveryAttemptsSinceSuccess != 0 {
		t.Fatal("successful delivery must reset attempts")
	}
	if sub.LatestContentDelivered.Before(topic.ContentUpdated) {
		t.Fatal("successful delivery must record the version")
	}
}

func TestProcessDelivery_410DeletesSubscription(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer callback.Close()

	topicID := mustCreateTopic(t, repo, "https://example.com/blog/")
	mustActivate(t, repo, topicID, []byte("v1"))
	now := time.Now()
	repo.SubscriptionUpsert(ctx, &model.Subscription{
		TopicID: topicID, Callback: callback.URL + "/cb",
		VerifiedAt: now, ExpiresAt: now.Add(time.Hour),
	})

	ids, _ := repo.SubscriptionDeliveryClaim(ctx, 1, 300, "node-1")
	if err := p.ProcessDelivery(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.SubscriptionByID(ctx, ids[0]); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("410 must delete the subscription")
	}
	// And it must not create an unsubscribe verification.
	if claims, _ := repo.VerificationClaim(ctx, 10, 300, "node-1"); len(claims) != 0 {
		t.Fatal("410 must not enqueue a verification")
	}
}

func TestProcessDelivery_DeletedTopicConvertsToDenial(t *testing.T) {
	p, repo := newTestProcessor(t, false)
	ctx := context.Background()

	topicID := mustCreateTopic(t, repo, "https://example.com/blog/")
	mustActivate(t, repo, topicID, []byte("v1"))
	now := time.Now()
	repo.SubscriptionUpsert(ctx, &model.Subscription{
		TopicID: topicID, Callback: "https://sub.example.net/cb",
		VerifiedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err := repo.TopicMarkDeleted(ctx, topicID); err != nil {
		t.Fatal(err)
	}

	ids, _ := repo.SubscriptionDeliveryClaim(ctx, 1, 300, "node-1")
	if len(ids) != 1 {
		t.Fatal("expected delivery claim for deleted topic")
	}
	if err := p.ProcessDelivery(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}

	claims, _ := repo.VerificationClaim(ctx, 10, 300, "node-1")
	if len(claims) != 1 {
		t.Fatal("expected a denial verification")
	}
	v, _ := repo.VerificationByID(ctx, claims[0])
	if v.Mode != model.ModeDenied || !strings.HasPrefix(v.Reason, "Gone") {
		t.Fatalf("unexpected denial: %+v", v)
	}
	// Delivery slot is complete: no repeat conversion.
	if again, _ := repo.SubscriptionDeliveryClaim(ctx, 10, 300, "node-1"); len(again) != 0 {
		t.Fatal("conversion must complete the delivery slot")
	}
}

func TestSignature(t *testing.T) {
	got, err := Signature([]byte("key"), []byte("body"), "sha256")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "sha256=") {
		t.Fatalf("unexpected prefix in %q", got)
	}
	if got != strings.ToLower(got) {
		t.Fatal("hex digest must be lowercase")
	}
	// Deterministic.
	again, _ := Signature([]byte("key"), []byte("body"), "sha256")
	if got != again {
		t.Fatal("signature must be deterministic")
	}
	if _, err := Signature([]byte("key"), []byte("body"), "md5"); err == nil {
		t.Fatal("unsupported algorithm must error")
	}
}
