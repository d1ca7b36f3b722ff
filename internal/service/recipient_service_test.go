package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapmos/trapmos-alerts/internal/model"
	"github.com/trapmos/trapmos-alerts/internal/storage"
)

func TestRecipientLifecycle(t *testing.T) {
	svc := NewRecipientService(newBoltStore(t), nil)
	ctx := context.Background()

	first, err := svc.Register(ctx, RecipientRequest{Token: " ExponentPushToken[abcdef123] ", Platform: "iOS"})
	require.NoError(t, err)
	assert.Equal(t, "ExponentPushToken[abcdef123]", first.Token)
	assert.Equal(t, model.PlatformIOS, first.Platform)

	again, err := svc.Register(ctx, RecipientRequest{Token: "ExponentPushToken[abcdef123]", Platform: "android"})
	require.NoError(t, err)
	assert.Equal(t, model.PlatformAndroid, again.Platform)
	assert.True(t, first.RegisteredAt.Equal(again.RegisteredAt))

	all, err := svc.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	views, err := svc.ListViews(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Exponent********************", views[0].Token)

	require.NoError(t, svc.Remove(ctx, "ExponentPushToken[abcdef123]"))
	require.NoError(t, svc.Remove(ctx, "ExponentPushToken[abcdef123]"))
	_, err = svc.Get(ctx, "ExponentPushToken[abcdef123]")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegisterRejectsEmptyToken(t *testing.T) {
	svc := NewRecipientService(newBoltStore(t), nil)
	_, err := svc.Register(context.Background(), RecipientRequest{Token: "   "})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "short", maskValue("short"))
	assert.Equal(t, "abcdefgh**", maskValue("abcdefghij"))
}
