package task

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/thylacine/websub-hub-sub000/internal/httpclient"
	"github.com/thylacine/websub-hub-sub000/internal/metrics"
	"github.com/thylacine/websub-hub-sub000/internal/model"
	"github.com/thylacine/websub-hub-sub000/internal/store"
)

// ProcessTopicFetch performs one fetch attempt for a claimed topic.
func (p *Processor) ProcessTopicFetch(ctx context.Context, topicID string) error {
	topic, err := p.repo.TopicByID(ctx, topicID)
	if err != nil {
		return fmt.Errorf("load claimed topic %s: %w", topicID, err)
	}
	if topic.IsDeleted {
		// Nothing to fetch; release the slot.
		p.metrics.Outcome(metrics.KindFetch, metrics.OutcomeComplete)
		return p.repo.TopicFetchComplete(ctx, topicID)
	}

	if n, err := p.repo.TopicPurgeExpiredSubscriptions(ctx, topicID, time.Now()); err != nil {
		return fmt.Errorf("purge expired subscriptions for %s: %w", topicID, err)
	} else if n > 0 {
		log.Printf("[fetcher] purged %d expired subscriptions of %s", n, topic.URL)
	}

	header := http.Header{}
	if topic.ContentType != "" {
		header.Set("Accept", topic.ContentType+", */*;q=0.9")
	} else {
		header.Set("Accept", "*/*")
	}
	if topic.HTTPETag != "" {
		header.Set("If-None-Match", topic.HTTPETag)
	}
	if topic.HTTPLastModified != "" {
		header.Set("If-Modified-Since", topic.HTTPLastModified)
	}

	resp, err := p.do(ctx, httpclient.Request{
		Method:          http.MethodGet,
		URL:             topic.URL,
		Header:          header,
		FollowRedirects: true,
	})
	if err != nil {
		log.Printf("[fetcher] fetch %s failed: %v", topic.URL, err)
		p.metrics.Outcome(metrics.KindFetch, metrics.OutcomeIncomplete)
		return p.repo.TopicFetchIncomplete(ctx, topicID, p.fetchDelays)
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// Unchanged per conditional headers.
		p.metrics.Outcome(metrics.KindFetch, metrics.OutcomeComplete)
		return p.repo.TopicFetchComplete(ctx, topicID)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Content; fall through to hashing.
	default:
		// 5xx, residual 3xx (redirect chain exhausted), and other 4xx all
		// reschedule: only 2xx content may drive the hash comparison.
		log.Printf("[fetcher] fetch %s status %d", topic.URL, resp.StatusCode)
		p.metrics.Outcome(metrics.KindFetch, metrics.OutcomeIncomplete)
		return p.repo.TopicFetchIncomplete(ctx, topicID, p.fetchDelays)
	}

	contentHash, err := contentHash(resp.Body, topic.ContentHashAlgorithm)
	if err != nil {
		return fmt.Errorf("hash content of %s: %w", topic.URL, err)
	}
	if contentHash == topic.ContentHash {
		p.metrics.Outcome(metrics.KindFetch, metrics.OutcomeComplete)
		return p.repo.TopicFetchComplete(ctx, topicID)
	}

	if p.strictTopicHubLink && !p.discoverer.TopicAdvertisesHub(topic.URL, headerOf(resp), resp.Body) {
		log.Printf("[fetcher] topic %s no longer advertises this hub; delisting", topic.URL)
		if err := p.repo.TopicMarkDeleted(ctx, topicID); err != nil {
			return fmt.Errorf("delist topic %s: %w", topicID, err)
		}
		if err := p.repo.TopicFetchComplete(ctx, topicID); err != nil {
			return err
		}
		// Physical delete succeeds only once subscriptions have drained via
		// denial notices; failure here just defers to maintenance.
		if _, err := p.repo.TopicPendingDelete(ctx, topicID); err != nil {
			log.Printf("[fetcher] pending delete of %s: %v", topicID, err)
		}
		p.metrics.Outcome(metrics.KindFetch, metrics.OutcomeDelisted)
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = topic.ContentType
	}
	update := store.ContentUpdate{
		TopicID:      topicID,
		Content:      resp.Body,
		ContentType:  contentType,
		ContentHash:  contentHash,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		UpdatedAt:    time.Now(),
	}
	if err := p.repo.TopicContentApply(ctx, update); err != nil {
		return fmt.Errorf("store content of %s: %w", topicID, err)
	}
	log.Printf("[fetcher] topic %s updated: %d bytes, hash %.12s…", topic.URL, len(resp.Body), contentHash)
	p.metrics.Outcome(metrics.KindFetch, metrics.OutcomeComplete)
	return nil
}

// contentHash computes the hex digest of body with the named algorithm.
func contentHash(body []byte, algorithm string) (string, error) {
	h, err := model.NewHash(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func headerOf(resp *httpclient.Response) http.Header {
	if resp.Header == nil {
		return http.Header{}
	}
	return resp.Header
}
