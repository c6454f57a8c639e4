package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

// ActiveParticipant returns the record of userID if it is an active
// participant of conversationID, ErrNotParticipant otherwise.
func ActiveParticipant(ctx context.Context, q storage.ConversationStore, conversationID, userID string) (*models.Participant, error) {
	p, err := q.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotParticipant, userID, conversationID)
	}
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, fmt.Errorf("%w: %s left %s", ErrNotParticipant, userID, conversationID)
	}
	return p, nil
}

// CanPost checks that userID may send into conv. Any active participant
// may post, except in restricted broadcast conversations where only
// moderators and admins may.
func CanPost(ctx context.Context, q storage.ConversationStore, conv *models.Conversation, userID string) (*models.Participant, error) {
	p, err := ActiveParticipant(ctx, q, conv.ID, userID)
	if err != nil {
		return nil, err
	}
	if conv.Kind == models.KindBroadcast && conv.Restricted && p.Role < models.RoleModerator {
		return nil, fmt.Errorf("%w: only moderators and admins may post in this channel", ErrPermissionDenied)
	}
	return p, nil
}

// requireAdmin checks that userID is an active admin of conversationID.
func requireAdmin(ctx context.Context, q storage.ConversationStore, conversationID, userID string) (*models.Participant, error) {
	p, err := ActiveParticipant(ctx, q, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if p.Role < models.RoleAdmin {
		return nil, fmt.Errorf("%w: admin role required", ErrPermissionDenied)
	}
	return p, nil
}

// ActiveUserIDs lists the user ids of active participants, skipping exclude.
func ActiveUserIDs(participants []models.Participant, exclude string) []string {
	ids := make([]string, 0, len(participants))
	for i := range participants {
		if participants[i].Active() && participants[i].UserID != exclude {
			ids = append(ids, participants[i].UserID)
		}
	}
	return ids
}

// dedupe removes empty ids, duplicates and skip, keeping first occurrences.
func dedupe(ids []string, skip string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == skip || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
