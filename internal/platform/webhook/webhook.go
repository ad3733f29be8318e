// Package webhook delivers inventory stock events to external HTTP endpoints,
// such as a procurement system listening for low-stock alerts. Payloads are
// signed with HMAC-SHA256 and failed deliveries are retried with backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/hms/internal/platform/events"
)

// Endpoint is a configured webhook destination.
type Endpoint struct {
	URL    string
	Secret string
	// Events holds subscription patterns: exact ("drug.low_stock"),
	// "batch.*" or "*.reversed". Empty subscribes to everything.
	Events []string
}

// Attempt records the outcome of one POST.
type Attempt struct {
	URL        string
	EventID    string
	EventType  events.Type
	Attempt    int
	StatusCode int
	Duration   time.Duration
	Err        error
}

func (a Attempt) Succeeded() bool { return a.Err == nil }

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// eventMatches reports whether eventType satisfies a subscription pattern.
func eventMatches(pattern string, eventType events.Type) bool {
	t := string(eventType)
	if pattern == t || pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(t, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(t, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) wants(t events.Type) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, t) {
			return true
		}
	}
	return false
}

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithRetryDelays sets the wait before each retry; its length is the retry count.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = delays }
}

func WithQueueSize(n int) Option {
	return func(p *Publisher) { p.queue = make(chan job, n) }
}

// WithObserver receives every attempt, successful or not.
func WithObserver(fn func(Attempt)) Option {
	return func(p *Publisher) { p.observe = fn }
}

type job struct {
	ep    Endpoint
	event events.StockEvent
}

// Publisher implements events.Publisher. Publish only enqueues; Run performs
// the deliveries so a slow endpoint never holds up a ledger request.
type Publisher struct {
	endpoints   []Endpoint
	client      *http.Client
	retryDelays []time.Duration
	queue       chan job
	logger      zerolog.Logger
	observe     func(Attempt)
	wg          sync.WaitGroup
}

func NewPublisher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Publisher, error) {
	for _, ep := range endpoints {
		if err := ValidateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook %s: %w", ep.URL, err)
		}
	}
	p := &Publisher{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		queue:       make(chan job, 256),
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Publish queues each event for every subscribed endpoint. A full queue drops
// the event and returns an error; the caller only logs it.
func (p *Publisher) Publish(_ context.Context, evts ...events.StockEvent) error {
	var dropped int
	for _, e := range evts {
		for _, ep := range p.endpoints {
			if !ep.wants(e.Type) {
				continue
			}
			select {
			case p.queue <- job{ep: ep, event: e}:
			default:
				dropped++
			}
		}
	}
	if dropped > 0 {
		return fmt.Errorf("webhook queue full, dropped %d deliveries", dropped)
	}
	return nil
}

// Run delivers queued events until ctx is cancelled, then waits for in-flight
// deliveries to finish.
func (p *Publisher) Run(ctx context.Context) {
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.deliverWithRetry(ctx, j.ep, j.event)
			}()
		}
	}
}

func (p *Publisher) deliverWithRetry(ctx context.Context, ep Endpoint, e events.StockEvent) {
	for n := 0; ; n++ {
		a := p.Deliver(ctx, ep, e)
		a.Attempt = n + 1
		if p.observe != nil {
			p.observe(a)
		}
		if a.Succeeded() {
			return
		}
		if n >= len(p.retryDelays) {
			p.logger.Error().Err(a.Err).Str("url", ep.URL).Str("event", string(e.Type)).
				Int("attempts", a.Attempt).Msg("webhook delivery abandoned")
			return
		}
		p.logger.Warn().Err(a.Err).Str("url", ep.URL).Int("attempt", a.Attempt).Msg("webhook delivery failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.retryDelays[n]):
		}
	}
}

// Deliver signs the event and POSTs it to ep once.
func (p *Publisher) Deliver(ctx context.Context, ep Endpoint, e events.StockEvent) Attempt {
	a := Attempt{URL: ep.URL, EventID: e.ID.String(), EventType: e.Type, Attempt: 1}

	payload, err := json.Marshal(e)
	if err != nil {
		a.Err = fmt.Errorf("marshal event: %w", err)
		return a
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		a.Err = err
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(e.Type))
	req.Header.Set("X-Webhook-ID", a.EventID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Err = err
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.Err = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

// ParseEndpoints builds endpoints from comma-separated URLs sharing one
// secret and one comma-separated pattern list.
func ParseEndpoints(urls, secret, patterns string) []Endpoint {
	var evts []string
	for _, p := range strings.Split(patterns, ",") {
		if p = strings.TrimSpace(p); p != "" {
			evts = append(evts, p)
		}
	}
	var out []Endpoint
	for _, u := range strings.Split(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, Endpoint{URL: u, Secret: secret, Events: evts})
		}
	}
	return out
}
