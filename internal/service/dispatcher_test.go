package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trapmos/trapmos-alerts/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

func validDetection() *model.Detection {
	return &model.Detection{
		ID:         "det-1",
		Latitude:   "14.5995",
		Longitude:  "120.9842",
		Device:     "trap-07",
		Detections: model.Indicator{"Aedes aegypti"},
		File:       "uploads/trap-07/1.jpg",
	}
}

type dispatchFixture struct {
	resolver *fakeResolver
	gateway  *fakeGateway
	registry *fakeRegistry
	audit    *fakeAudit
}

func newFixture(tokens ...string) *dispatchFixture {
	return &dispatchFixture{
		resolver: &fakeResolver{address: "Rizal Park, Ermita, Manila"},
		gateway:  &fakeGateway{errs: map[string]error{}, block: map[string]bool{}},
		registry: newFakeRegistry(tokens...),
		audit:    &fakeAudit{},
	}
}

func (f *dispatchFixture) dispatcher(cfg DispatcherConfig) *Dispatcher {
	return NewDispatcher(cfg, f.resolver, f.gateway, f.registry, f.audit, nil, nil)
}

func TestDispatchPrunesOnlyPermanentFailures(t *testing.T) {
	f := newFixture("tok-a", "tok-b", "tok-c")
	f.gateway.errs["tok-b"] = &permanentError{msg: "DeviceNotRegistered"}

	report, err := f.dispatcher(DispatcherConfig{}).Dispatch(context.Background(), validDetection())
	require.NoError(t, err)

	assert.Equal(t, []string{"tok-b"}, f.registry.removed)
	require.Len(t, f.audit.entries, 1)
	entry := f.audit.entries[0]
	assert.Equal(t, 3, entry.TotalRecipients)
	assert.Equal(t, 2, entry.SuccessCount)
	assert.Equal(t, 1, entry.FailureCount)
	assert.Equal(t, 1, entry.PrunedCount)
	assert.Equal(t, "Aedes aegypti", entry.Subject)
	assert.Equal(t, "det-1", entry.DetectionID)
	assert.Equal(t, report.RunID, entry.RunID)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Pruned)
	require.Len(t, report.Results, 3)
	assert.Equal(t, model.DeliveryPermanentFailure, report.Results[1].Status)
}

func TestDispatchTransientFailuresKeepRecipients(t *testing.T) {
	f := newFixture("tok-a", "tok-b")
	f.gateway.errs["tok-a"] = errors.New("push http status 503 Service Unavailable")

	report, err := f.dispatcher(DispatcherConfig{}).Dispatch(context.Background(), validDetection())
	require.NoError(t, err)

	assert.Empty(t, f.registry.removed)
	assert.Equal(t, model.DeliveryTransientFailure, report.Results[0].Status)
	assert.Equal(t, model.DeliveryDelivered, report.Results[1].Status)
	assert.Equal(t, 0, f.audit.entries[0].PrunedCount)
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	f := newFixture("slow", "fast")
	f.gateway.block["slow"] = true

	report, err := f.dispatcher(DispatcherConfig{SendTimeout: 20 * time.Millisecond}).Dispatch(context.Background(), validDetection())
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryTransientFailure, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Detail, "timeout")
	assert.Equal(t, model.DeliveryDelivered, report.Results[1].Status)
	assert.Empty(t, f.registry.removed)
}

func TestDispatchWithoutRecipients(t *testing.T) {
	f := newFixture()

	report, err := f.dispatcher(DispatcherConfig{}).Dispatch(context.Background(), validDetection())
	require.NoError(t, err)

	assert.Equal(t, 0, f.gateway.sentCount())
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, 0, f.audit.entries[0].TotalRecipients)
	assert.Equal(t, 0, report.Total)
}

func TestDispatchInvalidCoordinatesHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon model.Coordinate
	}{
		{"unparsable", "abc", "121"},
		{"missing", "", ""},
		{"out of range", "91", "0"},
		{"not finite", "NaN", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("tok-a")
			det := validDetection()
			det.Latitude, det.Longitude = tt.lat, tt.lon

			report, err := f.dispatcher(DispatcherConfig{}).Dispatch(context.Background(), det)
			assert.ErrorIs(t, err, ErrInvalidDetection)
			assert.Nil(t, report)
			assert.Equal(t, int32(0), f.resolver.calls.Load())
			assert.Equal(t, 0, f.gateway.sentCount())
			assert.Empty(t, f.audit.entries)
		})
	}
}

func TestDispatchListFailureIsAudited(t *testing.T) {
	f := newFixture()
	f.registry.listErr = errors.New("store offline")

	report, err := f.dispatcher(DispatcherConfig{}).Dispatch(context.Background(), validDetection())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 0, f.gateway.sentCount())
	require.Len(t, f.audit.entries, 1)
	assert.Contains(t, f.audit.entries[0].Detail, "store offline")
}

func TestDispatchSwallowsAuditAndPruneErrors(t *testing.T) {
	f := newFixture("tok-a")
	f.gateway.errs["tok-a"] = &permanentError{msg: "gone"}
	f.audit.err = errors.New("disk full")
	f.registry.removeErr = errors.New("locked")

	report, err := f.dispatcher(DispatcherConfig{}).Dispatch(context.Background(), validDetection())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pruned)
	assert.Equal(t, []string{"tok-a"}, f.registry.removed)
}

func TestDispatchAuditsBeforePruning(t *testing.T) {
	var order []string
	f := newFixture("tok-a", "tok-b")
	f.gateway.errs["tok-a"] = &permanentError{msg: "gone"}
	f.gateway.errs["tok-b"] = &permanentError{msg: "gone"}
	f.audit.order = &order
	registry := &orderedRegistry{fakeRegistry: f.registry, order: &order}

	d := NewDispatcher(DispatcherConfig{}, f.resolver, f.gateway, registry, f.audit, nil, nil)
	_, err := d.Dispatch(context.Background(), validDetection())
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "remove", "remove"}, order)
}

func TestDispatchRespectsConcurrencyLimit(t *testing.T) {
	tokens := make([]string, 12)
	for i := range tokens {
		tokens[i] = string(rune('a' + i))
	}
	f := newFixture(tokens...)
	f.gateway.delay = 10 * time.Millisecond

	report, err := f.dispatcher(DispatcherConfig{MaxConcurrency: 3}).Dispatch(context.Background(), validDetection())
	require.NoError(t, err)
	assert.Equal(t, 12, report.Delivered)
	assert.LessOrEqual(t, f.gateway.peak.Load(), int32(3))
	assert.Equal(t, 12, f.gateway.sentCount())
}

func TestDispatchAuditSurvivesCallerCancellation(t *testing.T) {
	f := newFixture("tok-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.dispatcher(DispatcherConfig{}).Dispatch(ctx, validDetection())
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryTransientFailure, report.Results[0].Status)
	assert.Len(t, f.audit.entries, 1)
}

func TestBuildNotification(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{ImageURLTemplate: "https://img.test/o/{file}?alt=media"}, nil, nil, nil, nil, nil, nil)
	det := validDetection()

	n := d.buildNotification(det, mustPoint(t, det), "Manila")
	assert.Equal(t, "Aedes Mosquito Detected!", n.Title)
	assert.Equal(t, "Device: trap-07 — Aedes aegypti detected near Manila.", n.Body)
	assert.Equal(t, "default", n.Sound)
	assert.Equal(t, "uploads/trap-07/1.jpg", n.Data["file"])
	assert.Equal(t, "14.5995", n.Data["latitude"])
	assert.Equal(t, "120.9842", n.Data["longitude"])
	assert.Equal(t, "Manila", n.Data["address"])
	assert.Equal(t, "https://img.test/o/uploads%2Ftrap-07%2F1.jpg?alt=media", n.Data["image"])

	det.Device = " "
	det.Detections = nil
	det.File = ""
	n = d.buildNotification(det, mustPoint(t, det), "Lat: 1.0000000, Lng: 2.0000000")
	assert.Equal(t, "Device: Unknown — Mosquito detected near Lat: 1.0000000, Lng: 2.0000000.", n.Body)
	_, hasImage := n.Data["image"]
	assert.False(t, hasImage)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.DeliveryDelivered, classify("t", nil).Status)
	assert.Equal(t, model.DeliveryPermanentFailure, classify("t", &permanentError{msg: "x"}).Status)
	wrapped := errors.Join(errors.New("ctx"), &permanentError{msg: "x"})
	assert.Equal(t, model.DeliveryPermanentFailure, classify("t", wrapped).Status)
	assert.Equal(t, model.DeliveryTransientFailure, classify("t", errors.New("boom")).Status)
}
