// Package webhook delivers download lifecycle events to subscribed HTTP
// endpoints.
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
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TechSquidTV/Hermes/models"
)

const (
	HeaderEvent     = "X-Hermes-Event"
	HeaderSignature = "X-Hermes-Signature"

	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 4
)

// Payload is the JSON body posted to a webhook.
type Payload struct {
	Event      string         `json:"event"`
	DownloadID string         `json:"download_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier fans lifecycle events out to the webhooks subscribed to them.
// Deliveries run in the background and never fail the caller.
type Notifier struct {
	repo        models.WebhookRepository
	client      *http.Client
	log         *zap.Logger
	now         func() time.Time
	concurrency int

	wg sync.WaitGroup
}

type Option func(*Notifier)

func WithLogger(log *zap.Logger) Option {
	return func(n *Notifier) {
		n.log = log
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		n.client = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) {
		n.now = now
	}
}

// WithConcurrency bounds the number of simultaneous deliveries of one event.
func WithConcurrency(limit int) Option {
	return func(n *Notifier) {
		if limit > 0 {
			n.concurrency = limit
		}
	}
}

func New(repo models.WebhookRepository, opts ...Option) *Notifier {
	n := &Notifier{
		repo:        repo,
		client:      &http.Client{Timeout: defaultTimeout},
		log:         zap.NewNop(),
		now:         time.Now,
		concurrency: defaultConcurrency,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Notify schedules delivery of event to every active subscriber and returns
// immediately. Cancellation of ctx does not abort delivery.
func (n *Notifier) Notify(ctx context.Context, event, downloadID string, data map[string]any) {
	ctx = context.WithoutCancel(ctx)

	payload := Payload{
		Event:      event,
		DownloadID: downloadID,
		Timestamp:  n.now().UTC(),
		Data:       data,
	}

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		if err := n.Deliver(ctx, payload); err != nil {
			n.log.Error("webhook delivery failed",
				zap.String("event", event),
				zap.String("download_id", downloadID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every scheduled delivery finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Deliver posts payload to every webhook subscribed to its event and waits
// for the deliveries. A failing webhook does not affect the others; the
// returned error combines every failed delivery.
func (n *Notifier) Deliver(ctx context.Context, payload Payload) error {
	hooks, err := n.repo.ListForEvent(ctx, payload.Event)
	if err != nil {
		return fmt.Errorf("failed to list webhooks: %w", err)
	}

	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)

	g.SetLimit(n.concurrency)

	for _, hook := range hooks {
		g.Go(func() error {
			err := n.post(ctx, hook, payload.Event, body)

			if markErr := n.repo.MarkTriggered(ctx, hook.ID, n.now().UTC()); markErr != nil {
				n.log.Warn("failed to mark webhook triggered", zap.String("webhook_id", hook.ID), zap.Error(markErr))
			}

			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("webhook %s: %w", hook.ID, err))
				mu.Unlock()

				return nil
			}

			n.log.Debug("webhook delivered",
				zap.String("webhook_id", hook.ID),
				zap.String("event", payload.Event),
				zap.String("download_id", payload.DownloadID),
			)

			return nil
		})
	}

	_ = g.Wait()

	return errs
}

func (n *Notifier) post(ctx context.Context, hook models.Webhook, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)

	if hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(hook.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	return nil
}

// Sign returns the hex encoded HMAC-SHA256 of body, prefixed with "sha256=".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
