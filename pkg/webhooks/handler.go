package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/meter/pkg/httputil"
	"github.com/platinummonkey/meter/pkg/observability"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

// Mapper turns a provider payload into an Event
type Mapper interface {
	Provider() providers.Provider
	Parse(header http.Header, body []byte) (*Event, error)
}

// Verifier checks a delivery's signature against the provider
type Verifier interface {
	VerifyWebhook(ctx context.Context, header http.Header, body []byte) error
}

// EventLog deduplicates deliveries by provider event id
type EventLog interface {
	// ClaimWebhookEvent reports false when the event was already claimed
	ClaimWebhookEvent(ctx context.Context, provider providers.Provider, eventID, eventType string) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, provider providers.Provider, eventID string) error
	ReleaseWebhookEvent(ctx context.Context, provider providers.Provider, eventID string) error
}

// EventProcessor applies a parsed event
type EventProcessor interface {
	Process(ctx context.Context, ev *Event) (Outcome, error)
}

// HandlerConfig tunes the inbound endpoints
type HandlerConfig struct {
	// InsecureSkipVerify disables signature checks. Development only.
	InsecureSkipVerify bool
	// RateLimit is the number of deliveries accepted per provider per RatePeriod.
	// Zero disables limiting.
	RateLimit       int
	RatePeriod      time.Duration
	DeliveryLogSize int
}

type source struct {
	mapper   Mapper
	verifier Verifier
}

// Response is the acknowledgement body sent to providers
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Handler serves POST /webhooks/{provider}
type Handler struct {
	processor  EventProcessor
	events     EventLog
	sources    map[providers.Provider]source
	limiter    *RateLimiter
	deliveries *DeliveryLog
	skipVerify bool
	logger     *logrus.Logger
	metrics    *observability.Metrics
}

// NewHandler creates a new Handler
func NewHandler(processor EventProcessor, events EventLog, cfg HandlerConfig,
	logger *logrus.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Handler{
		processor:  processor,
		events:     events,
		sources:    make(map[providers.Provider]source),
		deliveries: NewDeliveryLog(cfg.DeliveryLogSize),
		skipVerify: cfg.InsecureSkipVerify,
		logger:     logger,
		metrics:    metrics,
	}
	if cfg.RateLimit > 0 {
		period := cfg.RatePeriod
		if period <= 0 {
			period = time.Minute
		}
		h.limiter = NewRateLimiter(cfg.RateLimit, period)
	}
	return h
}

// Register enables a provider endpoint. verifier may be nil only when
// signature checks are disabled.
func (h *Handler) Register(mapper Mapper, verifier Verifier) {
	h.sources[mapper.Provider()] = source{mapper: mapper, verifier: verifier}
}

// Deliveries returns the in-memory delivery log
func (h *Handler) Deliveries() *DeliveryLog {
	return h.deliveries
}

// RegisterRoutes registers the inbound and admin routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/{provider}", h.ServeWebhook).Methods("POST")
	router.HandleFunc("/admin/webhooks/deliveries", h.listDeliveries).Methods("GET")
	router.HandleFunc("/admin/webhooks/deliveries/{provider}/stats", h.deliveryStats).Methods("GET")
	router.HandleFunc("/admin/webhooks/deliveries/{provider}/events/{event_id}", h.eventDeliveries).Methods("GET")
}

// ServeWebhook verifies, deduplicates and processes one delivery. It answers
// 200 for anything processed or deliberately ignored, and non-2xx only
// when a redelivery could succeed.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := providers.Parse(mux.Vars(r)["provider"])
	src, ok := h.sources[provider]
	if !ok {
		httputil.WriteJSON(w, http.StatusNotFound, Response{Status: "error", Message: ErrUnknownProvider.Error()})
		return
	}

	d := &Delivery{Provider: provider, ReceivedAt: start}
	log := observability.FromContext(r.Context(), h.logger).WithField("provider", provider)

	respond := func(status int, outcome Outcome, resp Response, err error) {
		d.StatusCode = status
		d.Outcome = outcome
		d.Duration = time.Since(start)
		if err != nil {
			d.Error = err.Error()
		}
		h.deliveries.Add(d)
		eventType := d.EventType
		if eventType == "" {
			eventType = "unknown"
		}
		h.metrics.RecordWebhook(provider.Lower(), eventType, string(outcome), d.Duration)
		httputil.WriteJSON(w, status, resp)
	}

	if h.limiter != nil && !h.limiter.Allow(string(provider)) {
		respond(http.StatusTooManyRequests, OutcomeRejected, Response{Status: "error", Message: "Rate limit exceeded"}, nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respond(http.StatusRequestEntityTooLarge, OutcomeRejected, Response{Status: "error", Message: "Failed to read body"}, err)
		return
	}

	if !h.skipVerify {
		var verr error
		if src.verifier == nil {
			verr = errors.New("no signature verifier configured")
		} else {
			verr = src.verifier.VerifyWebhook(r.Context(), r.Header, body)
		}
		if errors.Is(verr, ErrInvalidSignature) {
			log.WithError(verr).Warn("Rejected webhook with invalid signature")
			respond(http.StatusUnauthorized, OutcomeRejected, Response{Status: "error", Message: "Invalid signature"}, verr)
			return
		}
		if verr != nil {
			log.WithError(verr).Error("Webhook signature verification failed")
			respond(http.StatusInternalServerError, OutcomeFailed, Response{Status: "error", Message: "Processing failed"}, verr)
			return
		}
	}

	ev, err := src.mapper.Parse(r.Header, body)
	if err != nil {
		log.WithError(err).Warn("Ignoring malformed webhook payload")
		respond(http.StatusOK, OutcomeMalformed, Response{Status: "ok", Message: "ignored"}, err)
		return
	}
	d.EventType = ev.Type
	if ev.ID == "" {
		sum := sha256.Sum256(body)
		ev.ID = "sha256:" + hex.EncodeToString(sum[:])
	}
	d.EventID = ev.ID
	log = log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type})

	if ev.Kind == KindIgnored {
		log.Debug("Acknowledged unhandled webhook event")
		respond(http.StatusOK, OutcomeIgnored, Response{Status: "ok", Message: "ignored"}, nil)
		return
	}

	claimed, err := h.events.ClaimWebhookEvent(r.Context(), provider, ev.ID, ev.Type)
	if err != nil {
		log.WithError(err).Error("Failed to claim webhook event")
		respond(http.StatusInternalServerError, OutcomeFailed, Response{Status: "error", Message: "Processing failed"}, err)
		return
	}
	if !claimed {
		log.Info("Duplicate webhook event")
		respond(http.StatusOK, OutcomeDuplicate, Response{Status: "ok", Message: "duplicate"}, nil)
		return
	}

	ctx := observability.WithLogger(r.Context(), log)
	outcome, err := h.process(ctx, log, ev)
	if err != nil {
		log.WithError(err).Error("Webhook processing failed")
		if rerr := h.events.ReleaseWebhookEvent(context.WithoutCancel(ctx), provider, ev.ID); rerr != nil {
			log.WithError(rerr).Error("Failed to release webhook event claim")
		}
		respond(http.StatusInternalServerError, OutcomeFailed, Response{Status: "error", Message: "Processing failed"}, err)
		return
	}

	if err := h.events.MarkWebhookEventProcessed(context.WithoutCancel(ctx), provider, ev.ID); err != nil {
		// the claim row already blocks redelivery
		log.WithError(err).Warn("Failed to mark webhook event processed")
	}
	respond(http.StatusOK, outcome, Response{Status: "ok"}, nil)
}

// process runs the processor, turning a panic into an error so the claim
// is released and the provider retries
func (h *Handler) process(ctx context.Context, log *logrus.Entry, ev *Event) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(logrus.Fields{
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			}).Error("Panic processing webhook event")
			outcome, err = OutcomeFailed, fmt.Errorf("panic processing webhook event: %v", rec)
		}
	}()
	return h.processor.Process(ctx, ev)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil || limit <= 0 {
		httputil.WriteBadRequest(w, "invalid limit")
		return
	}
	provider := providers.Parse(httputil.ParseQueryString(r, "provider", ""))
	httputil.WriteSuccess(w, h.deliveries.Recent(provider, limit))
}

// eventDeliveries lists every attempt at one provider event
func (h *Handler) eventDeliveries(w http.ResponseWriter, r *http.Request) {
	provider := providers.Parse(mux.Vars(r)["provider"])
	if provider == "" {
		httputil.WriteNotFoundError(w, ErrUnknownProvider.Error())
		return
	}
	eventID, err := httputil.ParsePathString(r, "event_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	deliveries := h.deliveries.ByEvent(provider, eventID)
	if len(deliveries) == 0 {
		httputil.WriteNotFoundError(w, "no deliveries for event")
		return
	}
	httputil.WriteSuccess(w, deliveries)
}

func (h *Handler) deliveryStats(w http.ResponseWriter, r *http.Request) {
	provider := providers.Parse(mux.Vars(r)["provider"])
	if provider == "" {
		httputil.WriteNotFoundError(w, ErrUnknownProvider.Error())
		return
	}
	httputil.WriteSuccess(w, h.deliveries.Stats(provider))
}
