package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/crypto"
	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

// ErrInvalidCommunity indicates a community request without an id.
var ErrInvalidCommunity = errors.New("invalid community")

// Communities keeps community membership in the store. It is the
// MembershipSource broadcast conversations enroll from. The founder of a
// community is its first admin; admins assign roles and a community always
// keeps at least one admin.
type Communities struct {
	store storage.Store
	clock crypto.TimeProvider
}

var _ MembershipSource = (*Communities)(nil)

// NewCommunities creates a Communities. A nil clock uses wall time.
func NewCommunities(store storage.Store, clock crypto.TimeProvider) *Communities {
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &Communities{store: store, clock: clock}
}

// Found creates communityID with founderID as its admin.
func (c *Communities) Found(ctx context.Context, communityID, name, founderID string) (*models.Community, error) {
	if communityID == "" || founderID == "" {
		return nil, fmt.Errorf("%w: id and founder required", ErrInvalidCommunity)
	}
	now := c.clock.Now()
	community := &models.Community{ID: communityID, Name: name, CreatedBy: founderID, CreatedAt: now}

	err := c.store.InTx(ctx, func(q storage.Queries) error {
		if err := q.CreateCommunity(ctx, community); err != nil {
			return err
		}
		return q.AddCommunityMember(ctx, &models.CommunityMember{
			CommunityID: communityID, UserID: founderID, Role: models.RoleAdmin, JoinedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Found",
		"package":      "conversation",
		"community_id": communityID,
		"founder_id":   founderID,
	}).Info("Community founded")
	return community, nil
}

// Join adds userID to communityID as a member.
func (c *Communities) Join(ctx context.Context, communityID, userID string) error {
	return c.store.InTx(ctx, func(q storage.Queries) error {
		if _, err := c.community(ctx, q, communityID); err != nil {
			return err
		}
		return q.AddCommunityMember(ctx, &models.CommunityMember{
			CommunityID: communityID, UserID: userID, Role: models.RoleMember, JoinedAt: c.clock.Now(),
		})
	})
}

// Leave removes userID from communityID. The last admin cannot leave.
// Conversations already enrolled from the community are not affected.
func (c *Communities) Leave(ctx context.Context, communityID, userID string) error {
	return c.store.InTx(ctx, func(q storage.Queries) error {
		members, err := c.roster(ctx, q, communityID)
		if err != nil {
			return err
		}
		self, ok := findMember(members, userID)
		if !ok {
			return fmt.Errorf("member %s of %s: %w", userID, communityID, storage.ErrNotFound)
		}
		if self.Role == models.RoleAdmin && countCommunityAdmins(members) <= 1 {
			return fmt.Errorf("%w: community %s", ErrLastAdmin, communityID)
		}
		return q.RemoveCommunityMember(ctx, communityID, userID)
	})
}

// SetRole changes the community role of targetID. Only admins may change
// roles.
func (c *Communities) SetRole(ctx context.Context, communityID, actorID, targetID string, role models.Role) error {
	if role < models.RoleMember || role > models.RoleAdmin {
		return fmt.Errorf("%w: unknown role %d", ErrPermissionDenied, role)
	}
	return c.store.InTx(ctx, func(q storage.Queries) error {
		members, err := c.roster(ctx, q, communityID)
		if err != nil {
			return err
		}
		self, ok := findMember(members, actorID)
		if !ok || self.Role != models.RoleAdmin {
			return fmt.Errorf("%w: only community admins assign roles", ErrPermissionDenied)
		}
		target, ok := findMember(members, targetID)
		if !ok {
			return fmt.Errorf("member %s of %s: %w", targetID, communityID, storage.ErrNotFound)
		}
		if target.Role == models.RoleAdmin && role < models.RoleAdmin && countCommunityAdmins(members) <= 1 {
			return fmt.Errorf("%w: community %s", ErrLastAdmin, communityID)
		}
		if target.Role == role {
			return nil
		}
		target.Role = role
		return q.UpdateCommunityMember(ctx, &target)
	})
}

// Roster returns the members of communityID in join order.
func (c *Communities) Roster(ctx context.Context, communityID string) ([]models.CommunityMember, error) {
	return c.roster(ctx, c.store, communityID)
}

// Members implements MembershipSource.
func (c *Communities) Members(ctx context.Context, communityID string) ([]Member, error) {
	roster, err := c.Roster(ctx, communityID)
	if err != nil {
		return nil, err
	}
	out := make([]Member, len(roster))
	for i, m := range roster {
		out[i] = Member{UserID: m.UserID, Role: m.Role}
	}
	return out, nil
}

func (c *Communities) community(ctx context.Context, q storage.Queries, communityID string) (*models.Community, error) {
	community, err := q.GetCommunity(ctx, communityID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, communityID)
	}
	return community, err
}

func (c *Communities) roster(ctx context.Context, q storage.Queries, communityID string) ([]models.CommunityMember, error) {
	if _, err := c.community(ctx, q, communityID); err != nil {
		return nil, err
	}
	return q.ListCommunityMembers(ctx, communityID)
}

func findMember(members []models.CommunityMember, userID string) (models.CommunityMember, bool) {
	for _, m := range members {
		if m.UserID == userID {
			return m, true
		}
	}
	return models.CommunityMember{}, false
}

func countCommunityAdmins(members []models.CommunityMember) int {
	n := 0
	for _, m := range members {
		if m.Role == models.RoleAdmin {
			n++
		}
	}
	return n
}
