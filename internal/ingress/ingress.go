// Package ingress accepts publisher and subscriber requests on POST /.
// Validation failures are modelled as tagged request errors carrying
// error:/warning: lines, mapped to HTTP 400 by the handler.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/thylacine/websub-hub-sub000/internal/model"
	"github.com/thylacine/websub-hub-sub000/internal/store"
	"github.com/thylacine/websub-hub-sub000/internal/worker"
)

const topicIDCacheCapacity = 10_000

// Modes accepted on hub.mode.
const (
	modePublish     = "publish"
	modeSubscribe   = "subscribe"
	modeUnsubscribe = "unsubscribe"
)

// RequestError is the tagged validation failure surfaced as HTTP 400.
type RequestError struct {
	Lines []string
}

func (e *RequestError) Error() string {
	return strings.Join(e.Lines, "\n")
}

func errorLine(format string, args ...any) string {
	return "error: " + fmt.Sprintf(format, args...)
}

func warningLine(format string, args ...any) string {
	return "warning: " + fmt.Sprintf(format, args...)
}

// Config wires a Hub ingress handler.
type Config struct {
	Repo   store.Repository
	Worker *worker.Worker

	// PublicHub creates topics on first mention; otherwise unknown topics
	// are rejected.
	PublicHub bool
	// StrictSecureCallback upgrades the secret-over-insecure-callback
	// warning to an error.
	StrictSecureCallback bool
	// InlineProcessing claims inserted rows immediately on this node.
	InlineProcessing bool

	LeaseSecondsPreferred int
	LeaseSecondsMin       int
	LeaseSecondsMax       int
}

// Hub handles publisher and subscriber ingress.
type Hub struct {
	repo   store.Repository
	worker *worker.Worker
	cfg    Config

	// topicIDs memoizes URL → topic id; ids are immutable per URL, and
	// lookups re-verify existence, so entries only ever go stale toward
	// a deleted topic.
	topicIDs otter.Cache[string, string]
}

// New creates the ingress handler.
func New(cfg Config) (*Hub, error) {
	cache, err := otter.MustBuilder[string, string](topicIDCacheCapacity).Build()
	if err != nil {
		return nil, fmt.Errorf("build topic id cache: %w", err)
	}
	return &Hub{
		repo:     cfg.Repo,
		worker:   cfg.Worker,
		cfg:      cfg,
		topicIDs: cache,
	}, nil
}

// ServeHTTP handles POST / with form-encoded or JSON bodies.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fields, reqErr := parseRequest(r)
	if reqErr != nil {
		writeRequestError(w, reqErr)
		return
	}

	requestID := uuid.New().String()
	switch fields.mode {
	case modePublish:
		h.handlePublish(w, r.Context(), fields, requestID)
	case modeSubscribe, modeUnsubscribe:
		h.handleIntent(w, r.Context(), fields, requestID)
	default:
		writeRequestError(w, &RequestError{Lines: []string{
			errorLine("hub.mode: unrecognized value %q", fields.mode),
		}})
	}
}

// handlePublish resolves (or creates) each announced topic and requests a
// fetch. 202 for one topic, 207 with per-topic lines for several.
func (h *Hub) handlePublish(w http.ResponseWriter, ctx context.Context, fields *requestFields, requestID string) {
	urls := dedupePublishURLs(fields)
	if len(urls) == 0 {
		writeRequestError(w, &RequestError{Lines: []string{
			errorLine("hub.topic or hub.url required for publish"),
		}})
		return
	}

	// Validate every URL before accepting any (all accepts must succeed).
	var lines []string
	for _, u := range urls {
		if err := validateAbsoluteHTTPURL("hub.url", u); err != "" {
			lines = append(lines, err)
		}
	}
	if lines != nil {
		writeRequestError(w, &RequestError{Lines: lines})
		return
	}

	type publishResult struct {
		url    string
		status int
		detail string
	}
	results := make([]publishResult, 0, len(urls))
	for _, topicURL := range urls {
		topicID, reqErr := h.resolveTopic(ctx, topicURL)
		if reqErr != nil {
			results = append(results, publishResult{url: topicURL, status: http.StatusNotFound, detail: reqErr.Error()})
			continue
		}
		if err := h.repo.TopicFetchRequested(ctx, topicID, time.Now()); err != nil {
			log.Printf("[ingress] publish %s: %v", topicURL, err)
			results = append(results, publishResult{url: topicURL, status: http.StatusInternalServerError, detail: "internal error"})
			continue
		}
		results = append(results, publishResult{url: topicURL, status: http.StatusAccepted})
		if h.cfg.InlineProcessing && h.worker != nil {
			if err := h.worker.TopicFetchClaimAndProcess(ctx, topicID); err != nil {
				log.Printf("[ingress] inline fetch claim %s: %v", topicID, err)
			}
		}
	}
	log.Printf("[ingress] publish request %s: %d topics", requestID, len(results))

	if len(results) == 1 {
		if results[0].status != http.StatusAccepted {
			writeRequestError(w, &RequestError{Lines: []string{errorLine("%s: %s", results[0].url, results[0].detail)}})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if wantsJSON(fields.accept) {
		type entry struct {
			Href   string `json:"href"`
			Status int    `json:"status"`
		}
		entries := make([]entry, 0, len(results))
		for _, res := range results {
			entries = append(entries, entry{Href: res.url, Status: res.status})
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		_ = json.NewEncoder(w).Encode(entries)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	for _, res := range results {
		fmt.Fprintf(w, "%d %s\n", res.status, res.url)
	}
}

// handleIntent validates a subscribe/unsubscribe and inserts a
// verification row. All accepts succeed before the 202.
func (h *Hub) handleIntent(w http.ResponseWriter, ctx context.Context, fields *requestFields, requestID string) {
	intent, reqErr := h.validateIntent(fields)
	if reqErr != nil {
		writeRequestError(w, reqErr)
		return
	}

	topicID, topicErr := h.resolveTopic(ctx, fields.topic)
	if topicErr != nil {
		writeRequestError(w, topicErr)
		return
	}

	verificationID, err := h.repo.VerificationInsert(ctx, &model.Verification{
		TopicID:            topicID,
		Callback:           fields.callback,
		Mode:               intent.mode,
		LeaseSeconds:       intent.leaseSeconds,
		Secret:             intent.secret,
		SignatureAlgorithm: model.DefaultHashAlgorithm,
		RequestID:          requestID,
	})
	if err != nil {
		log.Printf("[ingress] insert verification for %s: %v", fields.callback, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	log.Printf("[ingress] %s request %s: %s -> %s", intent.mode, requestID, fields.callback, fields.topic)

	if h.cfg.InlineProcessing && h.worker != nil {
		if err := h.worker.VerificationClaimAndProcess(ctx, verificationID); err != nil {
			log.Printf("[ingress] inline verification claim %s: %v", verificationID, err)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	for _, warning := range intent.warnings {
		fmt.Fprintln(w, warning)
	}
}

// resolveTopic maps a topic URL to an id, creating the topic in public-hub
// mode. The otter cache short-circuits the lookup on hot paths.
func (h *Hub) resolveTopic(ctx context.Context, topicURL string) (string, *RequestError) {
	if id, ok := h.topicIDs.Get(topicURL); ok {
		if _, err := h.repo.TopicByID(ctx, id); err == nil {
			return id, nil
		}
		h.topicIDs.Delete(topicURL)
	}

	topic, err := h.repo.TopicByURL(ctx, topicURL)
	switch {
	case err == nil:
		h.topicIDs.Set(topicURL, topic.ID)
		return topic.ID, nil
	case errors.Is(err, store.ErrNotFound):
		if !h.cfg.PublicHub {
			return "", &RequestError{Lines: []string{
				errorLine("hub.topic: %s not registered on this hub", topicURL),
			}}
		}
	default:
		log.Printf("[ingress] resolve topic %s: %v", topicURL, err)
		return "", &RequestError{Lines: []string{errorLine("internal error")}}
	}

	id, err := h.repo.TopicCreate(ctx, &model.Topic{
		URL:                   topicURL,
		LeaseSecondsPreferred: h.cfg.LeaseSecondsPreferred,
		LeaseSecondsMin:       h.cfg.LeaseSecondsMin,
		LeaseSecondsMax:       h.cfg.LeaseSecondsMax,
	})
	if errors.Is(err, store.ErrConflict) {
		// Raced another creator; the row exists now.
		topic, err := h.repo.TopicByURL(ctx, topicURL)
		if err != nil {
			return "", &RequestError{Lines: []string{errorLine("internal error")}}
		}
		id = topic.ID
	} else if err != nil {
		log.Printf("[ingress] create topic %s: %v", topicURL, err)
		return "", &RequestError{Lines: []string{errorLine("internal error")}}
	}
	h.topicIDs.Set(topicURL, id)
	return id, nil
}

func writeRequestError(w http.ResponseWriter, reqErr *RequestError) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	for _, line := range reqErr.Lines {
		fmt.Fprintln(w, line)
	}
}

func wantsJSON(accept string) bool {
	return strings.Contains(accept, "application/json")
}

func dedupePublishURLs(fields *requestFields) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, u := range append(append([]string{}, fields.publishURLs...), fields.topicURLs...) {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
