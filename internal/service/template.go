package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

// TemplateService handles template business logic
type TemplateService struct {
	repo   domain.TemplateStore
	logger *slog.Logger
}

// NewTemplateService creates a new TemplateService
func NewTemplateService(repo domain.TemplateStore, logger *slog.Logger) *TemplateService {
	return &TemplateService{
		repo:   repo,
		logger: logger,
	}
}

// CreateTemplateRequest represents a request to create a template
type CreateTemplateRequest struct {
	Name            string
	Channel         domain.Channel
	SubjectTemplate string
	BodyTemplate    string
}

// UpdateTemplateRequest represents a request to update a template
type UpdateTemplateRequest struct {
	Name            *string
	Channel         *domain.Channel
	SubjectTemplate *string
	BodyTemplate    *string
}

// RenderResult is a rendered template.
type RenderResult struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Create creates a new template
func (s *TemplateService) Create(ctx context.Context, req CreateTemplateRequest) (*domain.Template, error) {
	if !req.Channel.IsValid() {
		return nil, domain.NewValidationError("channel", "invalid channel")
	}
	if strings.TrimSpace(req.BodyTemplate) == "" {
		return nil, domain.NewValidationError("bodyTemplate", "bodyTemplate is required")
	}

	existing, err := s.repo.GetByName(ctx, req.Name)
	if err == nil && existing != nil {
		return nil, domain.ErrAlreadyExists
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing template: %w", err)
	}

	template := domain.NewTemplate(req.Name, req.Channel, req.SubjectTemplate, req.BodyTemplate)
	if err := s.repo.Create(ctx, template); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	s.logger.Info("template created",
		"template_id", template.ID,
		"name", template.Name,
		"variables", template.Variables,
	)

	return template, nil
}

// GetByID retrieves a template by ID
func (s *TemplateService) GetByID(ctx context.Context, id int64) (*domain.Template, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByName retrieves a template by name
func (s *TemplateService) GetByName(ctx context.Context, name string) (*domain.Template, error) {
	return s.repo.GetByName(ctx, name)
}

// List retrieves all templates
func (s *TemplateService) List(ctx context.Context) ([]*domain.Template, error) {
	return s.repo.List(ctx)
}

// Update updates an existing template
func (s *TemplateService) Update(ctx context.Context, id int64, req UpdateTemplateRequest) (*domain.Template, error) {
	template, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		existing, err := s.repo.GetByName(ctx, *req.Name)
		if err == nil && existing != nil && existing.ID != id {
			return nil, domain.ErrAlreadyExists
		}
		template.Name = *req.Name
	}

	if req.Channel != nil {
		if !req.Channel.IsValid() {
			return nil, domain.NewValidationError("channel", "invalid channel")
		}
		template.Channel = *req.Channel
	}

	if req.SubjectTemplate != nil {
		template.SubjectTemplate = *req.SubjectTemplate
	}
	if req.BodyTemplate != nil {
		if strings.TrimSpace(*req.BodyTemplate) == "" {
			return nil, domain.NewValidationError("bodyTemplate", "bodyTemplate cannot be empty")
		}
		template.BodyTemplate = *req.BodyTemplate
	}
	template.ExtractVariables()

	if err := s.repo.Update(ctx, template); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) || errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update template: %w", err)
	}

	s.logger.Info("template updated",
		"template_id", template.ID,
	)

	return template, nil
}

// Delete deletes a template
func (s *TemplateService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("template deleted",
		"template_id", id,
	)

	return nil
}

// Render renders a template with variables
func (s *TemplateService) Render(ctx context.Context, id int64, vars map[string]string) (*RenderResult, error) {
	template, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if missing := template.Missing(vars); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingVariables, strings.Join(missing, ", "))
	}

	subject, body := template.Render(vars)
	return &RenderResult{Subject: subject, Body: body}, nil
}
