package task

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/thylacine/websub-hub-sub000/internal/httpclient"
	"github.com/thylacine/websub-hub-sub000/internal/metrics"
	"github.com/thylacine/websub-hub-sub000/internal/model"
)

const challengeBytes = 30

// newChallenge returns a random base64 challenge for intent verification.
func newChallenge() (string, error) {
	raw := make([]byte, challengeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// publisherValidationRequest is the JSON body POSTed to a topic's
// publisher validation endpoint.
type publisherValidationRequest struct {
	Callback string `json:"callback"`
	Topic    string `json:"topic"`
}

// ProcessVerification drives one claimed verification to completion or
// back-off.
func (p *Processor) ProcessVerification(ctx context.Context, verificationID string) error {
	v, err := p.repo.VerificationByID(ctx, verificationID)
	if err != nil {
		return fmt.Errorf("load claimed verification %s: %w", verificationID, err)
	}
	topic, err := p.repo.TopicByID(ctx, v.TopicID)
	if err != nil {
		return fmt.Errorf("load topic %s of verification %s: %w", v.TopicID, verificationID, err)
	}

	if country := p.geo.CallbackCountry(v.Callback); country != "" {
		log.Printf("[verifier] callback %s resolves to %s", v.Callback, country)
	}

	// A subscription intent for a delisted topic becomes a denial notice.
	if topic.IsDeleted && v.Mode == model.ModeSubscribe {
		v.Mode = model.ModeDenied
		v.Reason = reasonTopicGone
		if err := p.repo.VerificationUpdate(ctx, v); err != nil {
			return fmt.Errorf("rewrite verification %s to denial: %w", verificationID, err)
		}
	}

	// Publisher validation gates subscription intents only.
	if v.Mode == model.ModeSubscribe && !v.IsPublisherValidated && topic.PublisherValidationURL != "" {
		outcome, err := p.validateWithPublisher(ctx, v, topic)
		if err != nil {
			return err
		}
		if outcome == validationRetry {
			p.metrics.Outcome(metrics.KindVerify, metrics.OutcomeIncomplete)
			return p.repo.VerificationIncomplete(ctx, verificationID, p.verifyDelays)
		}
	}

	return p.confirmWithCallback(ctx, v, topic)
}

type validationOutcome int

const (
	validationPassed validationOutcome = iota
	validationRetry
)

// validateWithPublisher POSTs the intent to the topic's validator. A 4xx
// denies the request; 5xx and transport errors retry later. Either
// decision marks the row validated so the validator is asked only once.
func (p *Processor) validateWithPublisher(ctx context.Context, v *model.Verification, topic *model.Topic) (validationOutcome, error) {
	body, err := json.Marshal(publisherValidationRequest{
		Callback: v.Callback,
		Topic:    topic.URL,
	})
	if err != nil {
		return 0, fmt.Errorf("encode validation request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp, err := p.do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    topic.PublisherValidationURL,
		Header: header,
		Body:   body,
	})
	if err != nil {
		log.Printf("[verifier] publisher validation for %s failed: %v", v.Callback, err)
		return validationRetry, nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		v.IsPublisherValidated = true
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		v.IsPublisherValidated = true
		v.Mode = model.ModeDenied
		v.Reason = "publisher rejected request"
		log.Printf("[verifier] publisher denied %s for %s", v.Callback, topic.URL)
	default:
		log.Printf("[verifier] publisher validation for %s status %d", v.Callback, resp.StatusCode)
		return validationRetry, nil
	}

	if err := p.repo.VerificationUpdate(ctx, v); err != nil {
		return 0, fmt.Errorf("persist validation of %s: %w", v.ID, err)
	}
	return validationPassed, nil
}

// confirmWithCallback performs the challenge (or denial notice) GET
// against the subscriber callback and applies the outcome.
func (p *Processor) confirmWithCallback(ctx context.Context, v *model.Verification, topic *model.Topic) error {
	var challenge string
	callbackURL, err := url.Parse(v.Callback)
	if err != nil {
		// Callbacks are validated at ingress; an unparseable one here is a
		// stored-state inconsistency.
		return fmt.Errorf("parse callback %q: %w", v.Callback, err)
	}

	query := callbackURL.Query()
	query.Set("hub.topic", topic.URL)
	query.Set("hub.mode", string(v.Mode))
	if v.Mode == model.ModeDenied {
		if v.Reason != "" {
			query.Set("hub.reason", v.Reason)
		}
	} else {
		challenge, err = newChallenge()
		if err != nil {
			return err
		}
		query.Set("hub.challenge", challenge)
		query.Set("hub.lease_seconds", strconv.Itoa(v.LeaseSeconds))
	}
	callbackURL.RawQuery = query.Encode()

	resp, err := p.do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    callbackURL.String(),
	})
	if err != nil {
		log.Printf("[verifier] callback %s unreachable: %v", v.Callback, err)
		p.metrics.Outcome(metrics.KindVerify, metrics.OutcomeIncomplete)
		return p.repo.VerificationIncomplete(ctx, v.ID, p.verifyDelays)
	}
	if resp.StatusCode >= 500 {
		log.Printf("[verifier] callback %s status %d", v.Callback, resp.StatusCode)
		p.metrics.Outcome(metrics.KindVerify, metrics.OutcomeIncomplete)
		return p.repo.VerificationIncomplete(ctx, v.ID, p.verifyDelays)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	switch {
	case ok && v.Mode == model.ModeDenied:
		// Subscriber acknowledged the denial; the row is done either way.
		return p.applyDenied(ctx, v, topic)
	case ok && bytes.Equal(resp.Body, []byte(challenge)):
		return p.applyAccepted(ctx, v, topic)
	default:
		if ok {
			log.Printf("[verifier] callback %s challenge mismatch for %s", v.Callback, topic.URL)
		} else {
			log.Printf("[verifier] callback %s rejected %s with status %d", v.Callback, v.Mode, resp.StatusCode)
		}
		p.metrics.Outcome(metrics.KindVerify, metrics.OutcomeRejected)
		return p.repo.VerificationComplete(ctx, v.ID)
	}
}

func (p *Processor) applyAccepted(ctx context.Context, v *model.Verification, topic *model.Topic) error {
	switch v.Mode {
	case model.ModeSubscribe:
		now := time.Now()
		sub := &model.Subscription{
			TopicID:            v.TopicID,
			Callback:           v.Callback,
			VerifiedAt:         now,
			ExpiresAt:          now.Add(time.Duration(v.LeaseSeconds) * time.Second),
			Secret:             v.Secret,
			SignatureAlgorithm: v.SignatureAlgorithm,
		}
		if err := p.repo.SubscriptionUpsert(ctx, sub); err != nil {
			return fmt.Errorf("upsert subscription %s/%s: %w", v.Callback, v.TopicID, err)
		}
		log.Printf("[verifier] subscribed %s to %s for %ds", v.Callback, topic.URL, v.LeaseSeconds)
	case model.ModeUnsubscribe:
		if err := p.deleteSubscriptionIfAny(ctx, v, topic); err != nil {
			return err
		}
		log.Printf("[verifier] unsubscribed %s from %s", v.Callback, topic.URL)
	}
	p.metrics.Outcome(metrics.KindVerify, metrics.OutcomeComplete)
	return p.repo.VerificationComplete(ctx, v.ID)
}

func (p *Processor) applyDenied(ctx context.Context, v *model.Verification, topic *model.Topic) error {
	if err := p.deleteSubscriptionIfAny(ctx, v, topic); err != nil {
		return err
	}
	log.Printf("[verifier] denial delivered to %s for %s", v.Callback, topic.URL)
	p.metrics.Outcome(metrics.KindVerify, metrics.OutcomeDenied)
	return p.repo.VerificationComplete(ctx, v.ID)
}

func (p *Processor) deleteSubscriptionIfAny(ctx context.Context, v *model.Verification, topic *model.Topic) error {
	err := p.repo.SubscriptionDelete(ctx, v.Callback, v.TopicID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete subscription %s/%s: %w", v.Callback, v.TopicID, err)
	}
	if topic.IsDeleted {
		if _, err := p.repo.TopicPendingDelete(ctx, v.TopicID); err != nil {
			log.Printf("[verifier] pending delete of %s: %v", v.TopicID, err)
		}
	}
	return nil
}
