package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trapmos/trapmos-alerts/internal/logging"
	"github.com/trapmos/trapmos-alerts/internal/model"
	"github.com/trapmos/trapmos-alerts/internal/storage"
)

// ErrInvalidRecipient is returned when a registration carries no usable token.
var ErrInvalidRecipient = errors.New("invalid recipient")

// RecipientService manages the set of push recipients.
type RecipientService struct {
	store  storage.RecipientStore
	logger *zap.Logger
}

// RecipientRequest describes a registration payload from the mobile app.
type RecipientRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// NewRecipientService constructs RecipientService.
func NewRecipientService(store storage.RecipientStore, logger *zap.Logger) *RecipientService {
	return &RecipientService{store: store, logger: logging.OrNop(logger).Named("recipients")}
}

// Register stores or refreshes a recipient. Re-registering keeps the original
// registration time.
func (s *RecipientService) Register(ctx context.Context, req RecipientRequest) (*model.Recipient, error) {
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRecipient)
	}

	recipient, err := s.store.GetRecipient(ctx, token)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		recipient = &model.Recipient{Token: token}
	}
	recipient.Platform = model.NormalizePlatform(strings.TrimSpace(req.Platform))

	if err := s.store.UpsertRecipient(ctx, recipient); err != nil {
		return nil, err
	}
	s.logger.Debug("recipient registered", zap.String("token", maskValue(token)), zap.String("platform", recipient.Platform))
	return recipient, nil
}

// ListAll returns every registered recipient.
func (s *RecipientService) ListAll(ctx context.Context) ([]*model.Recipient, error) {
	return s.store.ListRecipients(ctx)
}

// ListViews returns recipients with masked tokens.
func (s *RecipientService) ListViews(ctx context.Context) ([]*model.RecipientView, error) {
	recipients, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*model.RecipientView, 0, len(recipients))
	for _, r := range recipients {
		views = append(views, toView(r))
	}
	return views, nil
}

// Get returns a recipient by token.
func (s *RecipientService) Get(ctx context.Context, token string) (*model.Recipient, error) {
	return s.store.GetRecipient(ctx, strings.TrimSpace(token))
}

// Remove deletes a recipient. Removing an unknown token succeeds.
func (s *RecipientService) Remove(ctx context.Context, token string) error {
	return s.store.DeleteRecipient(ctx, strings.TrimSpace(token))
}

func toView(r *model.Recipient) *model.RecipientView {
	if r == nil {
		return nil
	}
	return &model.RecipientView{
		Token:        maskValue(r.Token),
		Platform:     r.Platform,
		RegisteredAt: r.RegisteredAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func maskValue(value string) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= 8 {
		return value
	}
	return string(runes[:8]) + strings.Repeat("*", len(runes)-8)
}
