package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/trapmos/trapmos-alerts/internal/model"
	"github.com/trapmos/trapmos-alerts/internal/storage"
)

// AuditService is the delivery history: append on dispatch, filtered reads for operators.
type AuditService struct {
	store storage.AuditStore
}

// NewAuditService builds the audit service.
func NewAuditService(store storage.AuditStore) *AuditService {
	return &AuditService{store: store}
}

// Append records one dispatch run.
func (s *AuditService) Append(ctx context.Context, entry *model.AuditEntry) error {
	if err := s.store.AppendAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Query returns paginated entries, newest first.
func (s *AuditService) Query(ctx context.Context, filter model.AuditFilter) (*model.AuditPage, error) {
	entries, err := s.filtered(ctx, filter)
	if err != nil {
		return nil, err
	}

	total := len(entries)
	if filter.PageSize <= 0 {
		filter.PageSize = 10
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	start := min((filter.Page-1)*filter.PageSize, total)
	end := min(start+filter.PageSize, total)

	return &model.AuditPage{
		Data:     entries[start:end],
		Total:    total,
		Pages:    (total + filter.PageSize - 1) / filter.PageSize,
		PageNum:  filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

// CountByDate aggregates runs per day, month or year.
func (s *AuditService) CountByDate(ctx context.Context, dateType string, begin, end *time.Time) ([]map[string]any, error) {
	entries, err := s.filtered(ctx, model.AuditFilter{BeginTime: begin, EndTime: end})
	if err != nil {
		return nil, err
	}

	layout := "2006-01-02"
	switch strings.ToLower(dateType) {
	case "year":
		layout = "2006"
	case "month":
		layout = "2006-01"
	}

	counter := make(map[string]int)
	for _, e := range entries {
		counter[e.Timestamp.UTC().Format(layout)]++
	}
	return mapToKV(counter, "date"), nil
}

// CountByDevice aggregates runs by the trap that triggered them.
func (s *AuditService) CountByDevice(ctx context.Context, begin, end *time.Time) ([]map[string]any, error) {
	entries, err := s.filtered(ctx, model.AuditFilter{BeginTime: begin, EndTime: end})
	if err != nil {
		return nil, err
	}
	counter := make(map[string]int)
	for _, e := range entries {
		device := strings.TrimSpace(e.Device)
		if device == "" {
			device = unknownDevice
		}
		counter[device]++
	}
	return mapToKV(counter, "device"), nil
}

func (s *AuditService) filtered(ctx context.Context, filter model.AuditFilter) ([]*model.AuditEntry, error) {
	all, err := s.store.ListAuditEntries(ctx)
	if err != nil {
		return nil, err
	}
	matches := make([]*model.AuditEntry, 0, len(all))
	for _, e := range all {
		if filter.Device != "" && !strings.EqualFold(e.Device, filter.Device) {
			continue
		}
		if filter.Subject != "" && !strings.EqualFold(e.Subject, filter.Subject) {
			continue
		}
		if filter.BeginTime != nil && e.Timestamp.Before(filter.BeginTime.UTC()) {
			continue
		}
		if filter.EndTime != nil && e.Timestamp.After(filter.EndTime.UTC()) {
			continue
		}
		matches = append(matches, e)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].ID > matches[j].ID
	})
	return matches, nil
}

func mapToKV(counter map[string]int, key string) []map[string]any {
	result := make([]map[string]any, 0, len(counter))
	for k, v := range counter {
		result = append(result, map[string]any{
			key:     k,
			"count": v,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i][key].(string) < result[j][key].(string)
	})
	return result
}
