package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

type TemplateStore struct {
	mu        sync.Mutex
	seq       int64
	templates map[int64]*domain.Template
	// Err, when set, is returned by every call.
	Err error
}

func NewTemplateStore() *TemplateStore {
	return &TemplateStore{templates: make(map[int64]*domain.Template)}
}

func (s *TemplateStore) Create(_ context.Context, t *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	for _, existing := range s.templates {
		if existing.Name == t.Name {
			return domain.ErrAlreadyExists
		}
	}

	s.seq++
	t.ID = s.seq
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *TemplateStore) GetByID(_ context.Context, id int64) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	t, ok := s.templates[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TemplateStore) GetByName(_ context.Context, name string) (*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	for _, t := range s.templates {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *TemplateStore) List(_ context.Context) ([]*domain.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	out := make([]*domain.Template, 0, len(s.templates))
	for _, t := range s.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *TemplateStore) Update(_ context.Context, t *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	if _, ok := s.templates[t.ID]; !ok {
		return domain.ErrNotFound
	}
	for id, existing := range s.templates {
		if id != t.ID && existing.Name == t.Name {
			return domain.ErrAlreadyExists
		}
	}

	t.UpdatedAt = time.Now().UTC()
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *TemplateStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	if _, ok := s.templates[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.templates, id)
	return nil
}
