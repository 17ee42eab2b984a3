package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

const templateColumns = `id, name, channel, subject_template, body_template, variables, created_at, updated_at`

// TemplateStore implements domain.TemplateStore using PostgreSQL
type TemplateStore struct {
	db *DB
}

// NewTemplateStore creates a new TemplateStore
func NewTemplateStore(db *DB) *TemplateStore {
	return &TemplateStore{db: db}
}

// Create creates a new template and fills its ID
func (r *TemplateStore) Create(ctx context.Context, t *domain.Template) error {
	variables, err := json.Marshal(t.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode template variables: %w", err)
	}

	query := `
		INSERT INTO notification_templates (name, channel, subject_template, body_template, variables, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err = r.db.Pool.QueryRow(ctx, query,
		t.Name, t.Channel, t.SubjectTemplate, t.BodyTemplate, variables, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		if isUniqueViolation(err, "name") {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create template: %w", err)
	}

	return nil
}

// GetByID retrieves a template by ID
func (r *TemplateStore) GetByID(ctx context.Context, id int64) (*domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM notification_templates WHERE id = $1`
	return scanTemplate(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByName retrieves a template by name
func (r *TemplateStore) GetByName(ctx context.Context, name string) (*domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM notification_templates WHERE name = $1`
	return scanTemplate(r.db.Pool.QueryRow(ctx, query, name))
}

// List lists all templates
func (r *TemplateStore) List(ctx context.Context) ([]*domain.Template, error) {
	query := `SELECT ` + templateColumns + ` FROM notification_templates ORDER BY name ASC`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	templates := make([]*domain.Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}

	return templates, nil
}

// Update updates an existing template
func (r *TemplateStore) Update(ctx context.Context, t *domain.Template) error {
	variables, err := json.Marshal(t.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode template variables: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE notification_templates SET
			name = $2, channel = $3, subject_template = $4, body_template = $5,
			variables = $6, updated_at = $7
		WHERE id = $1
	`

	result, err := r.db.Pool.Exec(ctx, query,
		t.ID, t.Name, t.Channel, t.SubjectTemplate, t.BodyTemplate, variables, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "name") {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to update template: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Delete deletes a template
func (r *TemplateStore) Delete(ctx context.Context, id int64) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM notification_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	t := &domain.Template{}
	var variables []byte

	err := row.Scan(
		&t.ID, &t.Name, &t.Channel, &t.SubjectTemplate, &t.BodyTemplate, &variables, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	t.Variables = make([]string, 0)
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &t.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode template variables: %w", err)
		}
	}

	return t, nil
}
