package identity

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSubjectNotFound is returned when no subject has the requested id.
	ErrSubjectNotFound = errors.New("identity: subject not found")
	// ErrSubjectInactive is returned by [Require] for disabled subjects.
	ErrSubjectInactive = errors.New("identity: subject inactive")
)

// Subject is what the token manager needs to know about a principal.
type Subject struct {
	ID     string
	Role   string
	Active bool
}

// Provider looks up subjects. Implementations must be safe for concurrent use.
type Provider interface {
	LookupSubject(ctx context.Context, id string) (*Subject, error)
}

// Require looks id up and rejects inactive subjects.
func Require(ctx context.Context, p Provider, id string) (*Subject, error) {
	s, err := p.LookupSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, ErrSubjectInactive
	}
	return s, nil
}

// StaticProvider is an in-memory [Provider].
type StaticProvider struct {
	mu       sync.RWMutex
	subjects map[string]Subject
}

// NewStaticProvider returns a provider serving subjects.
func NewStaticProvider(subjects ...Subject) *StaticProvider {
	p := &StaticProvider{subjects: make(map[string]Subject, len(subjects))}
	for _, s := range subjects {
		p.subjects[s.ID] = s
	}
	return p
}

// Put adds or replaces a subject.
func (p *StaticProvider) Put(s Subject) {
	p.mu.Lock()
	p.subjects[s.ID] = s
	p.mu.Unlock()
}

// LookupSubject implements [Provider].
func (p *StaticProvider) LookupSubject(_ context.Context, id string) (*Subject, error) {
	p.mu.RLock()
	s, ok := p.subjects[id]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrSubjectNotFound
	}
	return &s, nil
}
