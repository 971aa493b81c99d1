package task

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log"
	"net/http"

	"github.com/thylacine/websub-hub-sub000/internal/httpclient"
	"github.com/thylacine/websub-hub-sub000/internal/metrics"
	"github.com/thylacine/websub-hub-sub000/internal/model"
	"github.com/thylacine/websub-hub-sub000/internal/store"
)

// ProcessDelivery attempts one delivery of the topic's current content to
// a claimed subscription.
func (p *Processor) ProcessDelivery(ctx context.Context, subscriptionID string) error {
	sub, err := p.repo.SubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("load claimed subscription %s: %w", subscriptionID, err)
	}
	topic, err := p.repo.TopicContent(ctx, sub.TopicID)
	if err != nil {
		return fmt.Errorf("load topic %s for delivery: %w", sub.TopicID, err)
	}

	if topic.IsDeleted {
		// Convert the delivery slot into an unsubscription notice.
		if err := p.repo.DeliveryConvertToDenial(ctx, subscriptionID, reasonTopicGone); err != nil {
			return fmt.Errorf("convert delivery %s to denial: %w", subscriptionID, err)
		}
		log.Printf("[deliverer] queued gone-notice for %s on deleted topic %s", sub.Callback, topic.URL)
		p.metrics.Outcome(metrics.KindDelivery, metrics.OutcomeDenied)
		return nil
	}

	contentType := topic.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Link", fmt.Sprintf(`<%s>; rel="self", <%s>; rel="hub"`, topic.URL, p.selfBaseURL))
	if len(sub.Secret) > 0 {
		signature, err := Signature(sub.Secret, topic.Content, sub.SignatureAlgorithm)
		if err != nil {
			return fmt.Errorf("sign delivery for %s: %w", sub.Callback, err)
		}
		header.Set("X-Hub-Signature", signature)
	}

	resp, err := p.do(ctx, httpclient.Request{
		Method: http.MethodPost,
		URL:    sub.Callback,
		Header: header,
		Body:   topic.Content,
	})
	if err != nil {
		log.Printf("[deliverer] delivery to %s failed: %v", sub.Callback, err)
		p.metrics.Outcome(metrics.KindDelivery, metrics.OutcomeIncomplete)
		return p.repo.SubscriptionDeliveryIncomplete(ctx, subscriptionID, p.deliveryDelays)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.metrics.Outcome(metrics.KindDelivery, metrics.OutcomeComplete)
		return p.repo.SubscriptionDeliveryComplete(ctx, subscriptionID, topic.ContentUpdated)
	case resp.StatusCode == http.StatusGone:
		log.Printf("[deliverer] callback %s gone; dropping subscription", sub.Callback)
		p.metrics.Outcome(metrics.KindDelivery, metrics.OutcomeGone)
		return p.repo.SubscriptionDeliveryGone(ctx, subscriptionID)
	default:
		// 4xx other than 410 may transiently recover; retry like 5xx.
		log.Printf("[deliverer] delivery to %s status %d", sub.Callback, resp.StatusCode)
		p.metrics.Outcome(metrics.KindDelivery, metrics.OutcomeIncomplete)
		return p.repo.SubscriptionDeliveryIncomplete(ctx, subscriptionID, p.deliveryDelays)
	}
}

// Signature computes the X-Hub-Signature header value: <algo>=<hex hmac>.
func Signature(secret, body []byte, algorithm string) (string, error) {
	if algorithm == "" {
		algorithm = model.DefaultHashAlgorithm
	}
	if !model.IsSupportedHashAlgorithm(algorithm) {
		return "", fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}
	mac := hmac.New(func() hash.Hash {
		h, _ := model.NewHash(algorithm)
		return h
	}, secret)
	mac.Write(body)
	return algorithm + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
