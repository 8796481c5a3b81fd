// Package webhook delivers change events to an HTTP endpoint. The request
// body is the serialized event; event coordinates travel in X-* headers so
// receivers can route without decoding the body. A circuit breaker guards
// the endpoint and per-delivery status is queryable by event ID.
package webhook

import (
	"bytes"
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/redbco/redb-cdc/internal/tracing"
	"github.com/redbco/redb-cdc/internal/wire"
	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

const (
	defaultTimeout = 30 * time.Second

	// Delivery tracking is bounded; the oldest entries fall off first.
	defaultMaxTrackedDeliveries = 10000

	optionTimeout    = "timeout"
	optionMaxTracked = "max_tracked_deliveries"
	optionSigningKey = "signing_key"
	optionAuthMode   = "auth_mode"
	optionAuthUser   = "auth_username"
	optionAuthPass   = "auth_password"
	optionAuthToken  = "auth_token"
	optionAPIKeyName = "api_key_name"
	optionAPIKey     = "api_key"
	optionAPIKeyIn   = "api_key_in"
)

// Delivery states reported by DeliveryStatus.
const (
	StateSending  = "SENDING"
	StateRetrying = "RETRYING"
	StateSuccess  = "SUCCESS"
	StateFailed   = "FAILED"
)

func init() {
	cdc.RegisterPublisher("webhook", New)
}

// Delivery is the tracked state of one event delivery.
type Delivery struct {
	EventID   string
	State     string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// authConfig captures the configured endpoint authentication.
type authConfig struct {
	mode       string
	username   string
	password   string
	token      string
	apiKeyName string
	apiKey     string
	apiKeyIn   string
}

// deliveryEntry pairs a tracked delivery with its recency-list element.
type deliveryEntry struct {
	delivery Delivery
	element  *list.Element
}

// Publisher posts events to a single webhook endpoint.
type Publisher struct {
	cfg        cdc.PublisherConfig
	endpoint   string
	client     *http.Client
	serializer cdc.Serializer
	logger     *logger.Logger
	signingKey []byte
	auth       authConfig
	breaker    *gobreaker.CircuitBreaker
	maxTracked int

	mu         sync.Mutex
	deliveries map[string]*deliveryEntry
	order      *list.List // front = most recently updated
	lastErr    string
	closed     bool
}

// New builds a webhook publisher from configuration.
func New(cfg cdc.PublisherConfig, deps cdc.PublisherDeps) (cdc.Publisher, error) {
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: webhook publisher requires a destination url", cdc.ErrInvalidConfiguration)
	}
	parsed, err := url.Parse(cfg.Destination)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid webhook url %q", cdc.ErrInvalidConfiguration, cfg.Destination)
	}

	serializer := deps.Serializer
	if serializer == nil {
		serializer, err = wire.NewSerializer(cfg.Serializer)
		if err != nil {
			return nil, err
		}
	}

	timeout := defaultTimeout
	if raw := cfg.Option(optionTimeout, ""); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid webhook timeout %q", cdc.ErrInvalidConfiguration, raw)
		}
	}

	var signingKey []byte
	if raw := cfg.Option(optionSigningKey, ""); raw != "" {
		signingKey, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: signing_key must be base64: %v", cdc.ErrInvalidConfiguration, err)
		}
	}

	auth, err := parseAuth(cfg)
	if err != nil {
		return nil, err
	}

	maxTracked := defaultMaxTrackedDeliveries
	if raw := cfg.Option(optionMaxTracked, ""); raw != "" {
		maxTracked, err = strconv.Atoi(raw)
		if err != nil || maxTracked <= 0 {
			return nil, fmt.Errorf("%w: max_tracked_deliveries must be a positive integer, got %q", cdc.ErrInvalidConfiguration, raw)
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + cfg.Destination,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.6
		},
	})

	return &Publisher{
		cfg:      cfg,
		endpoint: cfg.Destination,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		serializer: serializer,
		logger:     deps.Logger,
		signingKey: signingKey,
		auth:       auth,
		breaker:    breaker,
		maxTracked: maxTracked,
		deliveries: make(map[string]*deliveryEntry),
		order:      list.New(),
	}, nil
}

func parseAuth(cfg cdc.PublisherConfig) (authConfig, error) {
	auth := authConfig{
		mode:       cfg.Option(optionAuthMode, "none"),
		username:   cfg.Option(optionAuthUser, ""),
		password:   cfg.Option(optionAuthPass, ""),
		token:      cfg.Option(optionAuthToken, ""),
		apiKeyName: cfg.Option(optionAPIKeyName, "X-API-Key"),
		apiKey:     cfg.Option(optionAPIKey, ""),
		apiKeyIn:   cfg.Option(optionAPIKeyIn, "header"),
	}
	switch auth.mode {
	case "none":
	case "basic":
		if auth.username == "" {
			return authConfig{}, fmt.Errorf("%w: basic auth requires auth_username", cdc.ErrInvalidConfiguration)
		}
	case "bearer":
		if auth.token == "" {
			return authConfig{}, fmt.Errorf("%w: bearer auth requires auth_token", cdc.ErrInvalidConfiguration)
		}
	case "api-key":
		if auth.apiKey == "" {
			return authConfig{}, fmt.Errorf("%w: api-key auth requires api_key", cdc.ErrInvalidConfiguration)
		}
		if auth.apiKeyIn != "header" && auth.apiKeyIn != "query" {
			return authConfig{}, fmt.Errorf("%w: api_key_in must be header or query, got %q", cdc.ErrInvalidConfiguration, auth.apiKeyIn)
		}
	default:
		return authConfig{}, fmt.Errorf("%w: unknown auth_mode %q", cdc.ErrInvalidConfiguration, auth.mode)
	}
	return auth, nil
}

func (p *Publisher) Name() string        { return "webhook" }
func (p *Publisher) Destination() string { return p.endpoint }

// Publish delivers one event, retrying transient failures within the
// configured policy.
func (p *Publisher) Publish(ctx context.Context, event *cdc.ChangeEvent) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return cdc.ErrConnectionClosed
	}
	p.mu.Unlock()

	ctx, span := tracing.StartPublishSpan(ctx, "webhook", event)
	defer span.End()

	p.setDelivery(event.ID, StateSending, 0, "")

	retry := p.cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = cdc.DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		err := p.send(ctx, event)
		if err == nil {
			p.setDelivery(event.ID, StateSuccess, attempt, "")
			p.clearError()
			return nil
		}
		lastErr = err
		// 4xx responses other than 429 come back as ErrDeliveryFailed
		// and are terminal; the endpoint rejected the payload itself.
		if errors.Is(err, cdc.ErrDeliveryFailed) || !cdc.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < retry.MaxAttempts {
			p.setDelivery(event.ID, StateRetrying, attempt, err.Error())
			if p.logger != nil {
				p.logger.Warnf("Webhook delivery of %s failed (attempt %d): %v", event.ID, attempt, err)
			}
			if werr := retry.Wait(ctx, attempt); werr != nil {
				lastErr = werr
				break
			}
		}
	}

	p.setDelivery(event.ID, StateFailed, 0, lastErr.Error())
	p.setError(lastErr)
	return lastErr
}

// PublishBatch delivers events one request each, in order, reporting the
// events that failed.
func (p *Publisher) PublishBatch(ctx context.Context, events []*cdc.ChangeEvent) (*cdc.BatchResult, error) {
	result := &cdc.BatchResult{}
	for _, event := range events {
		if err := p.Publish(ctx, event); err != nil {
			result.Failed = append(result.Failed, cdc.FailedEvent{
				EventID: event.ID,
				Offset:  event.Offset,
				Err:     err,
			})
			continue
		}
		result.Published++
	}
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%w: %d of %d events undelivered", cdc.ErrDeliveryFailed, len(result.Failed), len(events))
	}
	return result, nil
}

// send performs a single HTTP attempt through the circuit breaker.
func (p *Publisher) send(ctx context.Context, event *cdc.ChangeEvent) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.post(ctx, event)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		// Open breaker counts as transient so the outer retry budget
		// keeps the event alive until the endpoint recovers.
		return fmt.Errorf("%w: webhook circuit open for %s", cdc.ErrConnectionFailed, p.endpoint)
	}
	return err
}

func (p *Publisher) post(ctx context.Context, event *cdc.ChangeEvent) error {
	body, err := p.serializer.Serialize(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.ID, err)
	}

	endpoint := p.endpoint
	if p.auth.mode == "api-key" && p.auth.apiKeyIn == "query" {
		endpoint, err = appendQuery(endpoint, p.auth.apiKeyName, p.auth.apiKey)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", p.serializer.ContentType())
	req.Header.Set("X-Source", event.Source)
	req.Header.Set("X-Schema", event.Schema)
	req.Header.Set("X-Table", event.Table)
	req.Header.Set("X-Operation", string(event.Operation))
	req.Header.Set("X-Offset", event.Offset)
	req.Header.Set("X-Timestamp", event.TimestampUTC.Format(time.RFC3339))
	if len(p.signingKey) > 0 {
		req.Header.Set("X-Signature", Sign(body, p.signingKey))
	}

	switch p.auth.mode {
	case "basic":
		req.SetBasicAuth(p.auth.username, p.auth.password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+p.auth.token)
	case "api-key":
		if p.auth.apiKeyIn == "header" {
			req.Header.Set(p.auth.apiKeyName, p.auth.apiKey)
		}
	}

	carrier := make(map[string]string)
	tracing.Inject(ctx, carrier)
	for k, v := range carrier {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: webhook returned %d", cdc.ErrConnectionFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: webhook returned %d", cdc.ErrAuthenticationFailed, resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook returned %d", cdc.ErrDeliveryFailed, resp.StatusCode)
	}
}

// DeliveryStatus returns the tracked state of a delivery by event ID.
func (p *Publisher) DeliveryStatus(eventID string) (Delivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.deliveries[eventID]
	if !ok {
		return Delivery{}, false
	}
	return entry.delivery, true
}

func (p *Publisher) setDelivery(eventID, state string, attempts int, lastErr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.deliveries[eventID]
	if !ok {
		for len(p.deliveries) >= p.maxTracked {
			oldest := p.order.Back()
			if oldest == nil {
				break
			}
			id := oldest.Value.(string)
			p.order.Remove(oldest)
			delete(p.deliveries, id)
		}
		entry = &deliveryEntry{
			delivery: Delivery{EventID: eventID},
			element:  p.order.PushFront(eventID),
		}
		p.deliveries[eventID] = entry
	} else {
		p.order.MoveToFront(entry.element)
	}
	d := &entry.delivery
	d.State = state
	if attempts > 0 {
		d.Attempts = attempts
	} else if state == StateRetrying || state == StateFailed {
		d.Attempts++
	}
	d.LastError = lastErr
	d.UpdatedAt = time.Now()
}

func (p *Publisher) setError(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

func (p *Publisher) clearError() {
	p.mu.Lock()
	p.lastErr = ""
	p.mu.Unlock()
}

func (p *Publisher) Health() cdc.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cdc.HealthStatus{
		Healthy:   !p.closed && p.lastErr == "" && p.breaker.State() != gobreaker.StateOpen,
		State:     p.breaker.State().String(),
		LastError: p.lastErr,
	}
}

// Close stops accepting deliveries and releases idle connections.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.client.CloseIdleConnections()
	return nil
}

// Sign computes the X-Signature header value for a payload.
func Sign(body, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func appendQuery(endpoint, key, value string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid webhook url %q", cdc.ErrInvalidConfiguration, endpoint)
	}
	query := parsed.Query()
	query.Set(key, value)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
