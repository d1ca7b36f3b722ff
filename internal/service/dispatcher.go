package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trapmos/trapmos-alerts/internal/geo"
	"github.com/trapmos/trapmos-alerts/internal/logging"
	"github.com/trapmos/trapmos-alerts/internal/metrics"
	"github.com/trapmos/trapmos-alerts/internal/model"
)

// ErrInvalidDetection is returned when a detection cannot be dispatched,
// typically because its coordinates are missing or out of range.
var ErrInvalidDetection = errors.New("invalid detection")

const (
	alertTitle     = "Aedes Mosquito Detected!"
	alertSound     = "default"
	unknownDevice  = "Unknown"
	defaultSubject = "Mosquito"

	defaultMaxConcurrency = 16
	defaultSendTimeout    = 10 * time.Second
	defaultStoreTimeout   = 5 * time.Second
)

// AddressResolver turns coordinates into a display address. It must not fail.
type AddressResolver interface {
	Resolve(ctx context.Context, lat, lon float64) string
}

// Gateway delivers one notification to one recipient token. Errors that
// implement Permanent() bool and report true mark the token as dead.
type Gateway interface {
	Send(ctx context.Context, token string, n *model.Notification) error
}

// RecipientRegistry is the subset of recipient management the dispatcher needs.
type RecipientRegistry interface {
	ListAll(ctx context.Context) ([]*model.Recipient, error)
	Remove(ctx context.Context, token string) error
}

// AuditLog receives one entry per dispatch run.
type AuditLog interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
}

// DispatcherConfig tunes the fan-out.
type DispatcherConfig struct {
	MaxConcurrency int
	SendTimeout    time.Duration
	// StoreTimeout bounds the audit write and the pruning step, which run
	// detached from the caller's cancellation.
	StoreTimeout time.Duration
	// ImageURLTemplate builds the image link; "{file}" is replaced with the
	// path-escaped file reference. Empty omits the image.
	ImageURLTemplate string
}

// Dispatcher fans a detection alert out to every recipient.
type Dispatcher struct {
	cfg      DispatcherConfig
	resolver AddressResolver
	gateway  Gateway
	registry RecipientRegistry
	audit    AuditLog
	logger   *zap.Logger
	metrics  *metrics.DispatchMetrics
}

// NewDispatcher builds a Dispatcher. Non-positive limits fall back to defaults.
func NewDispatcher(cfg DispatcherConfig, resolver AddressResolver, gateway Gateway, registry RecipientRegistry, audit AuditLog, logger *zap.Logger, m *metrics.DispatchMetrics) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Dispatcher{
		cfg:      cfg,
		resolver: resolver,
		gateway:  gateway,
		registry: registry,
		audit:    audit,
		logger:   logging.OrNop(logger).Named("dispatcher"),
		metrics:  m,
	}
}

// Dispatch runs one alert for det. Only an invalid detection is reported as an
// error; recipient, gateway, audit and pruning failures are logged and reflected
// in the returned report.
func (d *Dispatcher) Dispatch(ctx context.Context, det *model.Detection) (*model.DispatchReport, error) {
	start := time.Now()
	point, err := geo.PointOf(det)
	if err != nil {
		d.metrics.RecordDispatch("invalid", time.Since(start))
		return nil, fmt.Errorf("%w: %w", ErrInvalidDetection, err)
	}

	runID := uuid.NewString()
	logger := d.logger.With(zap.String("run_id", runID), zap.String("detection_id", det.ID))

	address := d.resolver.Resolve(ctx, point.Lat, point.Lon)
	n := d.buildNotification(det, point, address)

	report := &model.DispatchReport{RunID: runID, Address: address}
	entry := &model.AuditEntry{
		RunID:       runID,
		DetectionID: det.ID,
		Message:     n.Body,
		Subject:     det.Detections.Label(),
		Device:      det.Device,
		File:        det.File,
	}

	recipients, err := d.registry.ListAll(ctx)
	if err != nil {
		logger.Error("list recipients failed, alert not sent", zap.Error(err))
		entry.Detail = "list recipients: " + err.Error()
		d.appendAudit(ctx, logger, entry)
		d.metrics.RecordDispatch("list_failed", time.Since(start))
		return report, nil
	}
	if len(recipients) == 0 {
		logger.Info("no recipients registered")
		d.appendAudit(ctx, logger, entry)
		d.metrics.RecordDispatch("no_recipients", time.Since(start))
		return report, nil
	}

	results := d.fanOut(ctx, recipients, n)

	var dead []string
	for _, r := range results {
		switch r.Status {
		case model.DeliveryDelivered:
			report.Delivered++
		case model.DeliveryPermanentFailure:
			report.Failed++
			dead = append(dead, r.Token)
		default:
			report.Failed++
		}
	}
	report.Total = len(results)
	report.Results = results

	entry.TotalRecipients = report.Total
	entry.SuccessCount = report.Delivered
	entry.FailureCount = report.Failed
	entry.PrunedCount = len(dead)
	d.appendAudit(ctx, logger, entry)

	report.Pruned = d.prune(ctx, logger, dead)

	logger.Info("dispatch complete",
		zap.String("address", address),
		zap.Int("total", report.Total),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
		zap.Int("pruned", report.Pruned),
		zap.Duration("elapsed", time.Since(start)))
	d.metrics.RecordDispatch("sent", time.Since(start))
	return report, nil
}

// fanOut sends n to every recipient on a bounded pool. Each goroutine owns one
// slot of the result slice.
func (d *Dispatcher) fanOut(ctx context.Context, recipients []*model.Recipient, n *model.Notification) []model.DeliveryResult {
	results := make([]model.DeliveryResult, len(recipients))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for i, recipient := range recipients {
		i, recipient := i, recipient
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()

			began := time.Now()
			err := d.gateway.Send(sendCtx, recipient.Token, n)
			results[i] = classify(recipient.Token, err)
			d.metrics.RecordDelivery(string(results[i].Status), time.Since(began))

			if err != nil {
				d.logger.Warn("push delivery failed",
					zap.String("token", maskValue(recipient.Token)),
					zap.String("status", string(results[i].Status)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// classify maps a gateway error onto a delivery status. Anything that is not
// explicitly permanent is transient and the recipient is kept.
func classify(token string, err error) model.DeliveryResult {
	if err == nil {
		return model.DeliveryResult{Token: token, Status: model.DeliveryDelivered}
	}
	var p interface{ Permanent() bool }
	if errors.As(err, &p) && p.Permanent() {
		return model.DeliveryResult{Token: token, Status: model.DeliveryPermanentFailure, Detail: err.Error()}
	}
	detail := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		detail = "timeout: " + detail
	}
	return model.DeliveryResult{Token: token, Status: model.DeliveryTransientFailure, Detail: detail}
}

func (d *Dispatcher) appendAudit(ctx context.Context, logger *zap.Logger, entry *model.AuditEntry) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
	defer cancel()
	if err := d.audit.Append(storeCtx, entry); err != nil {
		logger.Error("audit append failed", zap.Error(err))
	}
}

func (d *Dispatcher) prune(ctx context.Context, logger *zap.Logger, tokens []string) int {
	if len(tokens) == 0 {
		return 0
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
	defer cancel()

	pruned := 0
	for _, token := range tokens {
		if err := d.registry.Remove(storeCtx, token); err != nil {
			logger.Error("prune recipient failed", zap.String("token", maskValue(token)), zap.Error(err))
			continue
		}
		pruned++
	}
	d.metrics.RecordPruned(pruned)
	return pruned
}

func (d *Dispatcher) buildNotification(det *model.Detection, point geo.Point, address string) *model.Notification {
	device := strings.TrimSpace(det.Device)
	if device == "" {
		device = unknownDevice
	}
	subject := det.Detections.Label()
	if subject == "" {
		subject = defaultSubject
	}
	data := map[string]string{
		"file":      det.File,
		"latitude":  strconv.FormatFloat(point.Lat, 'f', -1, 64),
		"longitude": strconv.FormatFloat(point.Lon, 'f', -1, 64),
		"address":   address,
	}
	if image := d.imageURL(det.File); image != "" {
		data["image"] = image
	}
	return &model.Notification{
		Title: alertTitle,
		Body:  fmt.Sprintf("Device: %s — %s detected near %s.", device, subject, address),
		Sound: alertSound,
		Data:  data,
	}
}

func (d *Dispatcher) imageURL(file string) string {
	file = strings.TrimSpace(file)
	if file == "" || d.cfg.ImageURLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(d.cfg.ImageURLTemplate, "{file}", url.PathEscape(file))
}
