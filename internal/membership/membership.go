// ABOUTME: Channel membership collaborator interface and in-memory fixture implementation
// ABOUTME: Read-only from the gateway's perspective; an external system owns the data

package membership

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownChannel is returned when a channel does not exist at all.
var ErrUnknownChannel = errors.New("unknown channel")

// Service answers channel membership questions. The data is owned by an
// external membership/authorization system; the fanout core only reads it
// and never mutates it.
type Service interface {
	// IsMember reports whether identity belongs to the channel.
	// Returns ErrUnknownChannel when the channel does not exist.
	IsMember(ctx context.Context, identity, channelID string) (bool, error)

	// Members lists the identities in a channel.
	// Returns ErrUnknownChannel when the channel does not exist.
	Members(ctx context.Context, channelID string) ([]string, error)
}

// Static is a fixture-backed Service for tests and single-node development.
// Channels are seeded up front; Put exists so tests can mutate fixtures.
type Static struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
}

// NewStatic builds a Static service from channel -> member lists.
func NewStatic(channels map[string][]string) *Static {
	s := &Static{channels: make(map[string]map[string]struct{})}
	for ch, members := range channels {
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		s.channels[ch] = set
	}
	return s
}

func (s *Static) IsMember(_ context.Context, identity, channelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.channels[channelID]
	if !ok {
		return false, ErrUnknownChannel
	}
	_, member := set[identity]
	return member, nil
}

func (s *Static) Members(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.channels[channelID]
	if !ok {
		return nil, ErrUnknownChannel
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// Put adds a member to a channel, creating the channel if needed.
func (s *Static) Put(channelID, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channels[channelID] == nil {
		s.channels[channelID] = make(map[string]struct{})
	}
	s.channels[channelID][identity] = struct{}{}
}

// Remove drops a member from a channel.
func (s *Static) Remove(channelID, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels[channelID], identity)
}
