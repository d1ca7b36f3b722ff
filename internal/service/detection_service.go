package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/trapmos/trapmos-alerts/internal/geo"
	"github.com/trapmos/trapmos-alerts/internal/logging"
	"github.com/trapmos/trapmos-alerts/internal/metrics"
	"github.com/trapmos/trapmos-alerts/internal/model"
	"github.com/trapmos/trapmos-alerts/internal/storage"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
	defaultClusterCap  = 20
)

// TriggerResult describes what happened to one inbound detection.
type TriggerResult struct {
	DetectionID string                `json:"detectionId"`
	Duplicate   bool                  `json:"duplicate"`
	Report      *model.DispatchReport `json:"report,omitempty"`
}

// DetectionService stores inbound detections, triggers dispatch and serves the
// read views over stored records.
type DetectionService struct {
	store      storage.DetectionStore
	dispatcher *Dispatcher
	seen       *cache.Cache
	logger     *zap.Logger
	metrics    *metrics.DispatchMetrics
}

// NewDetectionService builds the service. A zero window disables trigger
// deduplication.
func NewDetectionService(store storage.DetectionStore, dispatcher *Dispatcher, window time.Duration, logger *zap.Logger, m *metrics.DispatchMetrics) *DetectionService {
	s := &DetectionService{
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger).Named("detections"),
		metrics:    m,
	}
	if window > 0 {
		s.seen = cache.New(window, 2*window)
	}
	return s
}

// Handle stores det and dispatches an alert for it. A trigger for a detection
// ID already dispatched within the dedupe window is acknowledged without a
// second dispatch. Only invalid detections and storage failures are errors.
func (s *DetectionService) Handle(ctx context.Context, det *model.Detection, source string) (*TriggerResult, error) {
	if det == nil {
		s.metrics.RecordTrigger(source, "invalid")
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidDetection)
	}
	if _, err := geo.PointOf(det); err != nil {
		s.metrics.RecordTrigger(source, "invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidDetection, err)
	}
	det.ID = strings.TrimSpace(det.ID)
	if det.ID == "" {
		det.ID = uuid.NewString()
	}

	created, err := s.store.PutDetection(ctx, det)
	if err != nil {
		s.metrics.RecordTrigger(source, "error")
		return nil, fmt.Errorf("store detection: %w", err)
	}
	if !created {
		s.logger.Debug("detection already stored, keeping original", zap.String("detection_id", det.ID))
	}

	result := &TriggerResult{DetectionID: det.ID}
	if s.seen != nil {
		if err := s.seen.Add(det.ID, struct{}{}, cache.DefaultExpiration); err != nil {
			s.logger.Info("duplicate trigger ignored", zap.String("detection_id", det.ID), zap.String("source", source))
			s.metrics.RecordTrigger(source, "duplicate")
			result.Duplicate = true
			return result, nil
		}
	}

	report, err := s.dispatcher.Dispatch(ctx, det)
	if err != nil {
		s.metrics.RecordTrigger(source, "invalid")
		return nil, err
	}
	s.metrics.RecordTrigger(source, "accepted")
	result.Report = report
	return result, nil
}

// Get returns a stored detection.
func (s *DetectionService) Get(ctx context.Context, id string) (*model.Detection, error) {
	return s.store.GetDetection(ctx, id)
}

// Clusters returns deduplicated markers ranked by distance from ref. A nil ref
// keeps arrival order. limit <= 0 uses the map default.
func (s *DetectionService) Clusters(ctx context.Context, ref *geo.Point, limit int) ([]model.ClusterPoint, error) {
	records, err := s.store.ListDetections(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultClusterCap
	}
	return geo.Deduplicate(records, geo.Options{Reference: ref, Limit: limit}), nil
}

// Recent returns the newest detections first. Records without a timestamp sort last.
func (s *DetectionService) Recent(ctx context.Context, limit int) ([]*model.Detection, error) {
	records, err := s.store.ListDetections(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Timestamp.Time, records[j].Timestamp.Time
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.After(b)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Stats aggregates detection timestamps relative to now. Weeks start on
// Sunday in now's location; monthly buckets are by calendar month across years.
func (s *DetectionService) Stats(ctx context.Context, now time.Time) (*model.DetectionStats, error) {
	records, err := s.store.ListDetections(ctx)
	if err != nil {
		return nil, err
	}
	loc := now.Location()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	weekStart := todayStart.AddDate(0, 0, -int(todayStart.Weekday()))

	stats := &model.DetectionStats{}
	for _, r := range records {
		ts := r.Timestamp.Time
		if ts.IsZero() {
			stats.Undated++
			continue
		}
		ts = ts.In(loc)
		stats.Total++
		stats.Monthly[ts.Month()-1]++
		if !ts.Before(todayStart) {
			stats.Today++
		}
		if !ts.Before(weekStart) {
			stats.ThisWeek++
		}
		if stats.LastDetected == nil || ts.After(*stats.LastDetected) {
			last := ts
			stats.LastDetected = &last
		}
	}
	return stats, nil
}
