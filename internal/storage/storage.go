package storage

import (
	"context"

	"github.com/trapmos/trapmos-alerts/internal/model"
)

// RecipientStore persists push recipients keyed by token.
type RecipientStore interface {
	UpsertRecipient(ctx context.Context, recipient *model.Recipient) error
	GetRecipient(ctx context.Context, token string) (*model.Recipient, error)
	ListRecipients(ctx context.Context) ([]*model.Recipient, error)
	// DeleteRecipient is idempotent; deleting a missing token is not an error.
	DeleteRecipient(ctx context.Context, token string) error
}

// AuditStore is the append-only delivery history.
type AuditStore interface {
	AppendAuditEntry(ctx context.Context, entry *model.AuditEntry) error
	ListAuditEntries(ctx context.Context) ([]*model.AuditEntry, error)
}

// DetectionStore holds detection records in arrival order.
type DetectionStore interface {
	// PutDetection stores a new record. Records are immutable: when the ID
	// already exists the stored copy is kept and created is false.
	PutDetection(ctx context.Context, detection *model.Detection) (created bool, err error)
	GetDetection(ctx context.Context, id string) (*model.Detection, error)
	ListDetections(ctx context.Context) ([]*model.Detection, error)
}

// Store abstracts persistence for the whole service.
type Store interface {
	RecipientStore
	AuditStore
	DetectionStore
	Close() error
}
