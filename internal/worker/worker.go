// Package worker schedules claimed work across a bounded pool. One loop
// per node polls the repository for claimable fetches, verifications, and
// deliveries — in that priority order, so content is current before
// fanout — and runs each claimed unit in its own goroutine and context.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thylacine/websub-hub-sub000/internal/metrics"
	"github.com/thylacine/websub-hub-sub000/internal/scanloop"
	"github.com/thylacine/websub-hub-sub000/internal/store"
	"github.com/thylacine/websub-hub-sub000/internal/task"
)

// Config configures a Worker.
type Config struct {
	Repo      store.Repository
	Processor *task.Processor

	// Concurrency caps in-flight work units. Default 10.
	Concurrency int
	// ClaimLeaseSeconds bounds how long a claimed row stays invisible to
	// other nodes. Default 300.
	ClaimLeaseSeconds int

	PollInterval time.Duration
	PollJitter   time.Duration

	// NodeID identifies this node in claim rows. Default: random.
	NodeID string

	Metrics *metrics.Metrics
}

// Worker owns the per-node scheduling loop.
type Worker struct {
	repo      *workRepo
	processor *task.Processor

	concurrency int
	sem         chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup

	pollInterval time.Duration
	pollJitter   time.Duration

	metrics *metrics.Metrics
}

// workRepo bundles the repository with this node's claim identity.
type workRepo struct {
	store.Repository
	leaseSeconds int
	nodeID       string
}

// workUnit is one claimed row awaiting processing.
type workUnit struct {
	kind string
	id   string
}

// New creates a Worker from cfg.
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	leaseSeconds := cfg.ClaimLeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 300
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = scanloop.DefaultMinInterval
	}

	return &Worker{
		repo: &workRepo{
			Repository:   cfg.Repo,
			leaseSeconds: leaseSeconds,
			nodeID:       nodeID,
		},
		processor:    cfg.Processor,
		concurrency:  concurrency,
		sem:          make(chan struct{}, concurrency),
		stopCh:       make(chan struct{}),
		pollInterval: pollInterval,
		pollJitter:   cfg.PollJitter,
		metrics:      cfg.Metrics,
	}
}

// NodeID returns this node's claimant identity.
func (w *Worker) NodeID() string {
	return w.repo.nodeID
}

// Start launches the scheduling loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		scanloop.Run(w.stopCh, w.pollInterval, w.pollJitter, w.tick)
	}()
}

// Stop signals the loop to stop accepting work and waits for in-flight
// units to complete.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// tick claims up to the available headroom and dispatches each unit.
func (w *Worker) tick() {
	wanted := w.concurrency - len(w.sem)
	if wanted <= 0 {
		return
	}
	for _, unit := range w.feed(wanted) {
		w.dispatch(unit)
	}
}

// feed claims work in priority order: fetch, then verification, then
// delivery, up to wanted units in total.
func (w *Worker) feed(wanted int) []workUnit {
	ctx := context.Background()
	var units []workUnit

	claim := func(kind string, claimFn func(context.Context, int, int, string) ([]string, error)) {
		remaining := wanted - len(units)
		if remaining <= 0 {
			return
		}
		ids, err := claimFn(ctx, remaining, w.repo.leaseSeconds, w.repo.nodeID)
		if err != nil {
			log.Printf("[worker] %s claim failed: %v", kind, err)
			return
		}
		w.metrics.Claimed(kind, len(ids))
		for _, id := range ids {
			units = append(units, workUnit{kind: kind, id: id})
		}
	}

	claim(metrics.KindFetch, w.repo.TopicFetchClaim)
	claim(metrics.KindVerify, w.repo.VerificationClaim)
	claim(metrics.KindDelivery, w.repo.SubscriptionDeliveryClaim)
	return units
}

// dispatch runs one unit under the semaphore. The goroutine is accounted
// in wg so Stop drains in-flight work.
func (w *Worker) dispatch(unit workUnit) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case w.sem <- struct{}{}:
			defer func() { <-w.sem }()
		case <-w.stopCh:
			return // shutting down; the claim lapses on its own
		}
		w.process(unit)
	}()
}

// process executes one unit in its own context, bounded by the claim
// lease so a stuck call cannot outlive its claim by much.
func (w *Worker) process(unit workUnit) {
	if w.metrics != nil {
		w.metrics.InFlight.Inc()
		defer w.metrics.InFlight.Dec()
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(w.repo.leaseSeconds)*time.Second)
	defer cancel()

	var err error
	switch unit.kind {
	case metrics.KindFetch:
		err = w.processor.ProcessTopicFetch(ctx, unit.id)
	case metrics.KindVerify:
		err = w.processor.ProcessVerification(ctx, unit.id)
	case metrics.KindDelivery:
		err = w.processor.ProcessDelivery(ctx, unit.id)
	}
	if err != nil {
		// Abandon the row; its claim lapses and any node retries it.
		log.Printf("[worker] ERROR processing %s %s: %v", unit.kind, unit.id, err)
	}
}

// TopicFetchClaimAndProcess attempts an immediate single-row claim after
// an ingress publish and processes it asynchronously. Losing the claim to
// another node is not an error.
func (w *Worker) TopicFetchClaimAndProcess(ctx context.Context, topicID string) error {
	err := w.repo.TopicFetchClaimByID(ctx, topicID, w.repo.leaseSeconds, w.repo.nodeID)
	if err != nil {
		if errors.Is(err, store.ErrClaimUnavailable) {
			return nil
		}
		return err
	}
	w.metrics.Claimed(metrics.KindFetch, 1)
	w.dispatch(workUnit{kind: metrics.KindFetch, id: topicID})
	return nil
}

// VerificationClaimAndProcess attempts an immediate single-row claim after
// an ingress subscribe/unsubscribe and processes it asynchronously.
func (w *Worker) VerificationClaimAndProcess(ctx context.Context, verificationID string) error {
	err := w.repo.VerificationClaimByID(ctx, verificationID, w.repo.leaseSeconds, w.repo.nodeID)
	if err != nil {
		if errors.Is(err, store.ErrClaimUnavailable) {
			return nil
		}
		return err
	}
	w.metrics.Claimed(metrics.KindVerify, 1)
	w.dispatch(workUnit{kind: metrics.KindVerify, id: verificationID})
	return nil
}
