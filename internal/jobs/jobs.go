// Package jobs holds the handlers the worker service registers for its
// built-in queues.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue/internal/worker"
	"github.com/go-playground/validator/v10"
)

// Queue names served by the worker service
const (
	QueueReports         = "reports"
	QueueBillingSync     = "billing-sync"
	QueueAnalyticsRollup = "analytics-rollup"
	QueueReviewSync      = "review-sync"
)

type ReportRequest struct {
	ReportID string `json:"report_id" validate:"required"`
	Format   string `json:"format" validate:"required,oneof=pdf csv"`
}

type BillingSyncRequest struct {
	AccountID string `json:"account_id" validate:"required"`
}

type AnalyticsRollupRequest struct {
	Metric string    `json:"metric" validate:"required"`
	Day    time.Time `json:"day" validate:"required"`
}

type ReviewSyncRequest struct {
	Source string `json:"source" validate:"required"`
	Since  string `json:"since"`
}

// Handlers runs the work behind each queue. Each step is a func so the
// service can plug in real collaborators.
type Handlers struct {
	logger   *slog.Logger
	validate *validator.Validate

	RenderReport func(ctx context.Context, req ReportRequest) error
	SyncBilling  func(ctx context.Context, req BillingSyncRequest) error
	RollUp       func(ctx context.Context, req AnalyticsRollupRequest) error
	SyncReviews  func(ctx context.Context, req ReviewSyncRequest) error
}

// NewHandlers returns handlers whose steps only log the work they were given
func NewHandlers(logger *slog.Logger) *Handlers {
	h := &Handlers{
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	h.RenderReport = func(ctx context.Context, req ReportRequest) error {
		return h.simulate(ctx, "report rendered", slog.String("report_id", req.ReportID), slog.String("format", req.Format))
	}
	h.SyncBilling = func(ctx context.Context, req BillingSyncRequest) error {
		return h.simulate(ctx, "billing synced", slog.String("account_id", req.AccountID))
	}
	h.RollUp = func(ctx context.Context, req AnalyticsRollupRequest) error {
		return h.simulate(ctx, "analytics rolled up", slog.String("metric", req.Metric), slog.Time("day", req.Day))
	}
	h.SyncReviews = func(ctx context.Context, req ReviewSyncRequest) error {
		return h.simulate(ctx, "reviews synced", slog.String("source", req.Source))
	}
	return h
}

// Register adds every queue handler to the registry
func (h *Handlers) Register(reg *worker.Registry) error {
	handlers := map[string]worker.HandlerFunc{
		QueueReports:         handle(h, func(ctx context.Context, req ReportRequest) error { return h.RenderReport(ctx, req) }),
		QueueBillingSync:     handle(h, func(ctx context.Context, req BillingSyncRequest) error { return h.SyncBilling(ctx, req) }),
		QueueAnalyticsRollup: handle(h, func(ctx context.Context, req AnalyticsRollupRequest) error { return h.RollUp(ctx, req) }),
		QueueReviewSync:      handle(h, func(ctx context.Context, req ReviewSyncRequest) error { return h.SyncReviews(ctx, req) }),
	}
	for _, name := range []string{QueueReports, QueueBillingSync, QueueAnalyticsRollup, QueueReviewSync} {
		if err := reg.Register(name, handlers[name]); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", name, err)
		}
	}
	return nil
}

// handle decodes and validates the payload before running fn
func handle[T any](h *Handlers, fn func(ctx context.Context, req T) error) worker.HandlerFunc {
	return func(ctx context.Context, payload []byte, attempt int) error {
		var req T
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if err := h.validate.Struct(req); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
		if attempt > 1 {
			h.logger.Debug("Retrying job", slog.Int("attempt", attempt))
		}
		return fn(ctx, req)
	}
}

func (h *Handlers) simulate(ctx context.Context, msg string, attrs ...slog.Attr) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	h.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
	return nil
}
