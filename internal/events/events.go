// Package events delivers detection triggers from external feeds to the dispatcher.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trapmos/trapmos-alerts/internal/model"
)

// ErrMalformedPayload is returned by Decode for payloads that are not a detection object.
var ErrMalformedPayload = errors.New("malformed detection payload")

// Handler processes one detection trigger.
type Handler func(ctx context.Context, det *model.Detection) error

// Source produces detection triggers until its context is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}

// Decode parses a detection trigger payload.
func Decode(payload []byte) (*model.Detection, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, ErrMalformedPayload
	}
	var det model.Detection
	if err := json.Unmarshal(payload, &det); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &det, nil
}
