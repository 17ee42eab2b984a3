package domain

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Template is a reusable subject/body pair with {{variable}} placeholders.
type Template struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Channel         Channel   `json:"channel"`
	SubjectTemplate string    `json:"subjectTemplate,omitempty"`
	BodyTemplate    string    `json:"bodyTemplate"`
	Variables       []string  `json:"variables"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// variablePattern matches template variables like {{variable_name}}
var variablePattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

func NewTemplate(name string, channel Channel, subject, body string) *Template {
	now := time.Now().UTC()
	t := &Template{
		Name:            name,
		Channel:         channel,
		SubjectTemplate: subject,
		BodyTemplate:    body,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	t.ExtractVariables()
	return t
}

// ExtractVariables collects placeholder names from subject and body, in order of first use.
func (t *Template) ExtractVariables() {
	seen := make(map[string]bool)
	variables := make([]string, 0)

	for _, src := range []string{t.SubjectTemplate, t.BodyTemplate} {
		for _, match := range variablePattern.FindAllStringSubmatch(src, -1) {
			if len(match) > 1 && !seen[match[1]] {
				variables = append(variables, match[1])
				seen[match[1]] = true
			}
		}
	}
	t.Variables = variables
}

// Render substitutes vars into subject and body. Unknown placeholders are left as-is.
func (t *Template) Render(vars map[string]string) (subject, body string) {
	return render(t.SubjectTemplate, vars), render(t.BodyTemplate, vars)
}

func render(src string, vars map[string]string) string {
	for key, value := range vars {
		src = strings.ReplaceAll(src, "{{"+key+"}}", value)
	}
	return src
}

// Missing returns the declared variables absent from vars.
func (t *Template) Missing(vars map[string]string) []string {
	missing := make([]string, 0)
	for _, v := range t.Variables {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}

// TemplateStore is the persistence port for templates. Lookups of unknown ids
// return ErrNotFound; a duplicate name returns ErrAlreadyExists.
type TemplateStore interface {
	Create(ctx context.Context, template *Template) error
	GetByID(ctx context.Context, id int64) (*Template, error)
	GetByName(ctx context.Context, name string) (*Template, error)
	List(ctx context.Context) ([]*Template, error)
	Update(ctx context.Context, template *Template) error
	Delete(ctx context.Context, id int64) error
}
