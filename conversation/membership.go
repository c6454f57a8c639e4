package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/sealchat/models"
)

// ErrUnknownCommunity indicates a membership source has no such community.
var ErrUnknownCommunity = errors.New("unknown community")

// Member is one user's membership in a community, with the role that user
// holds there.
type Member struct {
	UserID string
	Role   models.Role
}

// MembershipSource lists the current members of a community. Broadcast
// conversations enroll every member returned at creation time.
type MembershipSource interface {
	Members(ctx context.Context, communityID string) ([]Member, error)
}

// StaticMembership is an in-process MembershipSource filled by the caller.
// Communities is the store-backed source the daemon uses.
type StaticMembership struct {
	mu          sync.RWMutex
	communities map[string][]Member
}

// NewStaticMembership creates an empty StaticMembership.
func NewStaticMembership() *StaticMembership {
	return &StaticMembership{communities: make(map[string][]Member)}
}

// Set replaces the member list of communityID.
func (s *StaticMembership) Set(communityID string, members ...Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities[communityID] = append([]Member(nil), members...)
}

// Members implements MembershipSource.
func (s *StaticMembership) Members(_ context.Context, communityID string) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.communities[communityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, communityID)
	}
	return append([]Member(nil), members...), nil
}
