package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

// LogStore is a domain.LogStore over maps. Entries are copied in and out.
type LogStore struct {
	mu      sync.Mutex
	seq     int64
	byCID   map[uuid.UUID]*domain.LogEntry
	byID    map[int64]uuid.UUID
	history map[uuid.UUID][]domain.Status
	// Err, when set, is returned by every call.
	Err error
}

func NewLogStore() *LogStore {
	return &LogStore{
		byCID:   make(map[uuid.UUID]*domain.LogEntry),
		byID:    make(map[int64]uuid.UUID),
		history: make(map[uuid.UUID][]domain.Status),
	}
}

func (s *LogStore) Insert(_ context.Context, e *domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}

	if _, exists := s.byCID[e.CorrelationID]; exists {
		return domain.ErrDuplicateCorrelationID
	}

	s.seq++
	e.ID = s.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	cp := *e
	s.byCID[e.CorrelationID] = &cp
	s.byID[e.ID] = e.CorrelationID
	s.history[e.CorrelationID] = []domain.Status{e.Status}
	return nil
}

func (s *LogStore) GetByID(_ context.Context, id int64) (*domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	cid, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s.byCID[cid]
	return &cp, nil
}

func (s *LogStore) GetByCorrelationID(_ context.Context, correlationID uuid.UUID) (*domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	e, ok := s.byCID[correlationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *LogStore) Update(_ context.Context, correlationID uuid.UUID, u domain.LogUpdate) (*domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}

	e, ok := s.byCID[correlationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !e.Status.CanTransitionTo(u.Status) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, e.Status, u.Status)
	}

	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	u.Apply(e)
	s.history[correlationID] = append(s.history[correlationID], e.Status)

	cp := *e
	return &cp, nil
}

func (s *LogStore) List(_ context.Context, filter domain.LogFilter) (*domain.LogListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	filter.Normalize()

	matched := make([]*domain.LogEntry, 0)
	for _, e := range s.byCID {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.Channel != nil && e.Channel != *filter.Channel {
			continue
		}
		if filter.SubjectID != nil && e.SubjectID != *filter.SubjectID {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	total := int64(len(matched))
	from := (filter.Page - 1) * filter.PageSize
	if from > len(matched) {
		from = len(matched)
	}
	to := from + filter.PageSize
	if to > len(matched) {
		to = len(matched)
	}

	return &domain.LogListResult{
		Entries:    matched[from:to],
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: int((total + int64(filter.PageSize) - 1) / int64(filter.PageSize)),
	}, nil
}

// History returns every status the entry has held, in order.
func (s *LogStore) History(correlationID uuid.UUID) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Status(nil), s.history[correlationID]...)
}
