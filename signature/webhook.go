package signature

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Webhook header names.
const (
	GitHubSignatureHeader = "X-Hub-Signature-256"
	StripeSignatureHeader = "Stripe-Signature"
)

// Webhook verification errors.
var (
	ErrInvalidSignatureHeader = errors.New("invalid signature header")
	ErrStaleTimestamp         = errors.New("timestamp outside tolerance")
	ErrSignatureMismatch      = errors.New("signature mismatch")
)

// WebhookVerifier verifies an inbound webhook payload against the value of
// its signature header.
type WebhookVerifier interface {
	Verify(header string, payload []byte) error
}

const githubPrefix = "sha256="

// GitHubVerifier verifies "sha256=<hex>" signatures over the raw payload.
type GitHubVerifier struct {
	Secret []byte
}

// Sign returns the header value for payload.
func (v *GitHubVerifier) Sign(payload []byte) string {
	sig, _ := Compute(SHA256, v.Secret, string(payload))
	return githubPrefix + sig
}

// Verify checks a X-Hub-Signature-256 header value.
func (v *GitHubVerifier) Verify(header string, payload []byte) error {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), githubPrefix)
	if !ok || sig == "" {
		return ErrInvalidSignatureHeader
	}
	if !Equal(SHA256, v.Secret, string(payload), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// StripeVerifier verifies "t=<unix>,v1=<hex>[,v1=<hex>,v0=<hex>]" headers.
// The signed message is "<t>.<payload>". A header matches when any of its
// v* signatures matches.
type StripeVerifier struct {
	Secret []byte

	// Tolerance bounds the age of t. Default is 300s.
	Tolerance time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Sign returns a header value for payload signed at t.
func (v *StripeVerifier) Sign(payload []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	sig, _ := Compute(SHA256, v.Secret, ts+"."+string(payload))
	return "t=" + ts + ",v1=" + sig
}

// Verify checks a Stripe-Signature header value. The timestamp is checked
// before any signature is computed.
func (v *StripeVerifier) Verify(header string, payload []byte) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch {
		case key == "t":
			ts = value
		case strings.HasPrefix(key, "v") && value != "":
			sigs = append(sigs, value)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrInvalidSignatureHeader
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignatureHeader
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	diff := now().Unix() - sec
	if diff < 0 {
		diff = -diff
	}
	if diff < 0 || diff > int64(tolerance/time.Second) {
		return ErrStaleTimestamp
	}

	message := ts + "." + string(payload)
	matched := false
	for _, sig := range sigs {
		// All candidates are compared, no early exit.
		if Equal(SHA256, v.Secret, message, sig) {
			matched = true
		}
	}
	if !matched {
		return ErrSignatureMismatch
	}
	return nil
}

var (
	_ WebhookVerifier = (*GitHubVerifier)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
