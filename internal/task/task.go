// Package task implements the three work processors the scheduler drives:
// topic fetch, subscription verification, and content delivery. Remote and
// transport failures are captured into row state for retry; only internal
// inconsistencies and database errors propagate, abandoning the row so its
// claim lapses and another node can pick it up.
package task

import (
	"context"
	"time"

	"github.com/thylacine/websub-hub-sub000/internal/discovery"
	"github.com/thylacine/websub-hub-sub000/internal/geoip"
	"github.com/thylacine/websub-hub-sub000/internal/httpclient"
	"github.com/thylacine/websub-hub-sub000/internal/metrics"
	"github.com/thylacine/websub-hub-sub000/internal/store"
)

// reasonTopicGone is sent to subscribers when their topic leaves the hub.
const reasonTopicGone = "Gone: topic no longer valid on this hub."

// Config wires a Processor.
type Config struct {
	Repo       store.Repository
	Client     *httpclient.Client
	Discoverer *discovery.Discoverer

	// SelfBaseURL is advertised as the rel=hub link on deliveries.
	SelfBaseURL string
	// StrictTopicHubLink delists topics that stop advertising this hub.
	StrictTopicHubLink bool

	FetchRetryDelays    []time.Duration
	VerifyRetryDelays   []time.Duration
	DeliveryRetryDelays []time.Duration

	Metrics *metrics.Metrics
	Geo     *geoip.Service
}

// Processor executes claimed work units.
type Processor struct {
	repo       store.Repository
	client     *httpclient.Client
	discoverer *discovery.Discoverer

	selfBaseURL        string
	strictTopicHubLink bool

	fetchDelays    []time.Duration
	verifyDelays   []time.Duration
	deliveryDelays []time.Duration

	metrics *metrics.Metrics
	geo     *geoip.Service
}

// NewProcessor creates a Processor from cfg.
func NewProcessor(cfg Config) *Processor {
	return &Processor{
		repo:               cfg.Repo,
		client:             cfg.Client,
		discoverer:         cfg.Discoverer,
		selfBaseURL:        cfg.SelfBaseURL,
		strictTopicHubLink: cfg.StrictTopicHubLink,
		fetchDelays:        cfg.FetchRetryDelays,
		verifyDelays:       cfg.VerifyRetryDelays,
		deliveryDelays:     cfg.DeliveryRetryDelays,
		metrics:            cfg.Metrics,
		geo:                cfg.Geo,
	}
}

// do issues one outbound request through the shared client.
func (p *Processor) do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	return p.client.Do(ctx, req)
}
