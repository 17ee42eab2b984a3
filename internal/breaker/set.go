package breaker

import (
	"sort"

	"github.com/insider-one/notification-pipeline/internal/domain"
)

// Set owns the breakers of one worker process. With perChannel false every
// channel shares a single breaker.
type Set struct {
	base       Settings
	perChannel bool
	breakers   map[string]*Breaker
}

// NewSet creates every breaker up front so they can be listed before first use.
func NewSet(base Settings, perChannel bool) *Set {
	base.applyDefaults()
	s := &Set{
		base:       base,
		perChannel: perChannel,
		breakers:   make(map[string]*Breaker),
	}

	if !perChannel {
		s.breakers[base.Name] = New(base)
		return s
	}
	for _, ch := range domain.Channels {
		settings := base
		settings.Name = s.nameFor(ch)
		s.breakers[settings.Name] = New(settings)
	}
	return s
}

// For returns the breaker protecting calls for channel.
func (s *Set) For(channel domain.Channel) *Breaker {
	if b, ok := s.breakers[s.nameFor(channel)]; ok {
		return b
	}
	// Unknown channels share the base breaker name; the dispatcher rejects them
	// before any provider call.
	return s.fallback()
}

// Get looks a breaker up by its snapshot name.
func (s *Set) Get(name string) (*Breaker, bool) {
	b, ok := s.breakers[name]
	return b, ok
}

// Reset closes the named breaker.
func (s *Set) Reset(name string) error {
	b, ok := s.breakers[name]
	if !ok {
		return domain.ErrNotFound
	}
	b.Reset()
	return nil
}

// Snapshots returns every breaker ordered by name.
func (s *Set) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Set) nameFor(channel domain.Channel) string {
	if !s.perChannel {
		return s.base.Name
	}
	return s.base.Name + ":" + string(channel)
}

func (s *Set) fallback() *Breaker {
	if b, ok := s.breakers[s.base.Name]; ok {
		return b
	}
	b := s.breakers[s.nameFor(domain.ChannelEmail)]
	return b
}
