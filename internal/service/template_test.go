package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/repository/memory"
)

func TestTemplateService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewTemplateService(memory.NewTemplateStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	created, err := svc.Create(ctx, CreateTemplateRequest{
		Name:         "otp",
		Channel:      domain.ChannelSMS,
		BodyTemplate: "Code {{code}} for {{name}}",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "name"}, created.Variables)

	_, err = svc.Create(ctx, CreateTemplateRequest{Name: "otp", Channel: domain.ChannelSMS, BodyTemplate: "x"})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	body := "Hello {{name}}"
	updated, err := svc.Update(ctx, created.ID, UpdateTemplateRequest{BodyTemplate: &body})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, updated.Variables)

	rendered, err := svc.Render(ctx, created.ID, map[string]string{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada", rendered.Body)

	_, err = svc.Render(ctx, created.ID, nil)
	assert.ErrorIs(t, err, domain.ErrMissingVariables)

	require.NoError(t, svc.Delete(ctx, created.ID))
	_, err = svc.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTemplateService_CreateValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewTemplateService(memory.NewTemplateStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name string
		req  CreateTemplateRequest
	}{
		{"invalid channel", CreateTemplateRequest{Name: "a", Channel: "fax", BodyTemplate: "b"}},
		{"empty body", CreateTemplateRequest{Name: "a", Channel: domain.ChannelEmail, BodyTemplate: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

func TestTemplateService_UpdateNameConflict(t *testing.T) {
	ctx := context.Background()
	svc := NewTemplateService(memory.NewTemplateStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.Create(ctx, CreateTemplateRequest{Name: "a", Channel: domain.ChannelEmail, BodyTemplate: "x"})
	require.NoError(t, err)
	b, err := svc.Create(ctx, CreateTemplateRequest{Name: "b", Channel: domain.ChannelEmail, BodyTemplate: "y"})
	require.NoError(t, err)

	name := "a"
	_, err = svc.Update(ctx, b.ID, UpdateTemplateRequest{Name: &name})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = svc.Update(ctx, 999, UpdateTemplateRequest{Name: &name})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
