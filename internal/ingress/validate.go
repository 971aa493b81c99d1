package ingress

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cast"

	"github.com/thylacine/websub-hub-sub000/internal/model"
)

// requestFields is the parsed, not-yet-validated ingress request.
type requestFields struct {
	mode         string
	callback     string
	topic        string
	leaseSeconds string
	secret       string

	// publish may announce several URLs.
	topicURLs   []string
	publishURLs []string

	accept string
}

// parseRequest reads form-encoded or JSON bodies into requestFields.
func parseRequest(r *http.Request) (*requestFields, *RequestError) {
	fields := &requestFields{accept: r.Header.Get("Accept")}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, &RequestError{Lines: []string{errorLine("invalid JSON body: %v", err)}}
		}
		fields.mode = cast.ToString(body["hub.mode"])
		fields.callback = cast.ToString(body["hub.callback"])
		fields.topic = cast.ToString(body["hub.topic"])
		fields.leaseSeconds = cast.ToString(body["hub.lease_seconds"])
		fields.secret = cast.ToString(body["hub.secret"])
		if fields.topic != "" {
			fields.topicURLs = []string{fields.topic}
		}
		if u := cast.ToString(body["hub.url"]); u != "" {
			fields.publishURLs = []string{u}
		}
		return fields, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, &RequestError{Lines: []string{errorLine("invalid form body: %v", err)}}
	}
	fields.mode = r.PostForm.Get("hub.mode")
	fields.callback = r.PostForm.Get("hub.callback")
	fields.topic = r.PostForm.Get("hub.topic")
	fields.leaseSeconds = r.PostForm.Get("hub.lease_seconds")
	fields.secret = r.PostForm.Get("hub.secret")
	fields.topicURLs = r.PostForm["hub.topic"]
	fields.publishURLs = r.PostForm["hub.url"]
	return fields, nil
}

// validatedIntent is a subscribe/unsubscribe that passed validation.
type validatedIntent struct {
	mode         model.VerificationMode
	leaseSeconds int
	secret       []byte
	warnings     []string
}

// validateIntent applies the subscription request rules: absolute URLs,
// lease clamping with warnings, secret length and transport checks.
func (h *Hub) validateIntent(fields *requestFields) (*validatedIntent, *RequestError) {
	var lines []string
	intent := &validatedIntent{}

	switch fields.mode {
	case modeSubscribe:
		intent.mode = model.ModeSubscribe
	case modeUnsubscribe:
		intent.mode = model.ModeUnsubscribe
	}

	if line := validateAbsoluteHTTPURL("hub.callback", fields.callback); line != "" {
		lines = append(lines, line)
	}
	if line := validateAbsoluteHTTPURL("hub.topic", fields.topic); line != "" {
		lines = append(lines, line)
	}

	leaseSeconds, leaseLines := h.clampLease(fields.leaseSeconds)
	intent.leaseSeconds = leaseSeconds
	intent.warnings = append(intent.warnings, leaseLines...)

	if fields.secret != "" {
		if len(fields.secret) > model.MaxSecretBytes {
			lines = append(lines, errorLine("hub.secret: must be no more than %d bytes", model.MaxSecretBytes))
		} else {
			intent.secret = []byte(fields.secret)
			if callbackIsInsecure(fields.callback) {
				if h.cfg.StrictSecureCallback {
					lines = append(lines, errorLine("hub.secret: insecure hub.callback cannot carry a secret"))
				} else {
					intent.warnings = append(intent.warnings,
						warningLine("hub.secret: insecure hub.callback exposes the secret in transit"))
				}
			}
		}
	}

	if lines != nil {
		// Keep warnings visible alongside errors in the 400 body.
		return nil, &RequestError{Lines: append(lines, intent.warnings...)}
	}
	return intent, nil
}

// clampLease resolves hub.lease_seconds against the hub's window.
// Absent or non-numeric values fall back to the preferred lease; values
// outside [min, max] clamp with a warning.
func (h *Hub) clampLease(raw string) (int, []string) {
	if strings.TrimSpace(raw) == "" {
		return h.cfg.LeaseSecondsPreferred, nil
	}
	lease, err := cast.ToIntE(strings.TrimSpace(raw))
	if err != nil {
		return h.cfg.LeaseSecondsPreferred, []string{
			warningLine("hub.lease_seconds: non-numeric value %q replaced with %d", raw, h.cfg.LeaseSecondsPreferred),
		}
	}
	switch {
	case lease < h.cfg.LeaseSecondsMin:
		return h.cfg.LeaseSecondsMin, []string{
			warningLine("hub.lease_seconds: %d below minimum, clamped to %d", lease, h.cfg.LeaseSecondsMin),
		}
	case lease > h.cfg.LeaseSecondsMax:
		return h.cfg.LeaseSecondsMax, []string{
			warningLine("hub.lease_seconds: %d above maximum, clamped to %d", lease, h.cfg.LeaseSecondsMax),
		}
	}
	return lease, nil
}

func validateAbsoluteHTTPURL(field, raw string) string {
	if strings.TrimSpace(raw) == "" {
		return errorLine("%s: required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errorLine("%s: %v", field, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return errorLine("%s: must be an absolute URL", field)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errorLine("%s: unsupported scheme %q", field, u.Scheme)
	}
	return ""
}

func callbackIsInsecure(callback string) bool {
	u, err := url.Parse(callback)
	if err != nil {
		return true
	}
	return u.Scheme != "https"
}
