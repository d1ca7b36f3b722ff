package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trapmos/trapmos-alerts/internal/model"
)

type fakeResolver struct {
	address string
	calls   atomic.Int32
}

func (f *fakeResolver) Resolve(_ context.Context, _, _ float64) string {
	f.calls.Add(1)
	return f.address
}

type permanentError struct{ msg string }

func (e *permanentError) Error() string   { return e.msg }
func (e *permanentError) Permanent() bool { return true }

type fakeGateway struct {
	mu       sync.Mutex
	errs     map[string]error
	block    map[string]bool
	delay    time.Duration
	sent     []string
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeGateway) Send(ctx context.Context, token string, _ *model.Notification) error {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	f.mu.Lock()
	f.sent = append(f.sent, token)
	err := f.errs[token]
	block := f.block[token]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeRegistry struct {
	mu         sync.Mutex
	recipients []*model.Recipient
	listErr    error
	removeErr  error
	removed    []string
}

func newFakeRegistry(tokens ...string) *fakeRegistry {
	r := &fakeRegistry{}
	for _, t := range tokens {
		r.recipients = append(r.recipients, &model.Recipient{Token: t, Platform: model.PlatformAndroid})
	}
	return r
}

func (f *fakeRegistry) ListAll(context.Context) ([]*model.Recipient, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Recipient(nil), f.recipients...), nil
}

func (f *fakeRegistry) Remove(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, token)
	return f.removeErr
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
	err     error
	// order records audit and remove calls relative to each other
	order *[]string
}

func (f *fakeAudit) Append(_ context.Context, entry *model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	if f.order != nil {
		*f.order = append(*f.order, "audit")
	}
	return f.err
}

type orderedRegistry struct {
	*fakeRegistry
	order *[]string
}

func (o *orderedRegistry) Remove(ctx context.Context, token string) error {
	*o.order = append(*o.order, "remove")
	return o.fakeRegistry.Remove(ctx, token)
}
