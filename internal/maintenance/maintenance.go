// Package maintenance runs periodic cleanup on a cron schedule: pruning
// content history, dropping expired subscriptions, and retrying physical
// deletion of delisted topics.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/thylacine/websub-hub-sub000/internal/store"
)

const sweepTimeout = 5 * time.Minute

// Config configures the maintenance service.
type Config struct {
	Repo store.Repository
	// Schedule is a standard 5-field cron expression.
	Schedule string
	// HistoryRetainCount keeps this many content-history rows per topic.
	HistoryRetainCount int
}

// Service owns the cron runner.
type Service struct {
	repo               store.Repository
	schedule           string
	historyRetainCount int
	cron               *cron.Cron
}

// New creates the service.
func New(cfg Config) *Service {
	return &Service{
		repo:               cfg.Repo,
		schedule:           cfg.Schedule,
		historyRetainCount: cfg.HistoryRetainCount,
		cron:               cron.New(),
	}
}

// Start registers the sweep and starts the cron runner.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep performs one maintenance pass. Each step is independent; a
// failing step logs and the rest still run.
func (s *Service) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if n, err := s.repo.SubscriptionDeleteExpired(ctx, time.Now()); err != nil {
		log.Printf("[maintenance] delete expired subscriptions: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] deleted %d expired subscriptions", n)
	}

	pending, err := s.repo.TopicsPendingDelete(ctx)
	if err != nil {
		log.Printf("[maintenance] list pending deletes: %v", err)
	}
	for _, topicID := range pending {
		deleted, err := s.repo.TopicPendingDelete(ctx, topicID)
		if err != nil {
			log.Printf("[maintenance] pending delete %s: %v", topicID, err)
			continue
		}
		if deleted {
			log.Printf("[maintenance] physically deleted topic %s", topicID)
		}
	}

	if n, err := s.repo.TopicContentHistoryPrune(ctx, s.historyRetainCount); err != nil {
		log.Printf("[maintenance] prune content history: %v", err)
	} else if n > 0 {
		log.Printf("[maintenance] pruned %d content history rows", n)
	}
}
