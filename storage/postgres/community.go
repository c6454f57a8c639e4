package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/opd-ai/sealchat/models"
)

func (q queries) CreateCommunity(ctx context.Context, c *models.Community) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO communities (id, name, created_by, created_at)
		VALUES (:id, :name, :created_by, :created_at)`, c)
	return mapError(err, "create community "+c.ID)
}

func (q queries) GetCommunity(ctx context.Context, id string) (*models.Community, error) {
	var c models.Community
	err := sqlx.GetContext(ctx, q.ext, &c,
		`SELECT id, name, created_by, created_at FROM communities WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(err, "get community "+id)
	}
	return &c, nil
}

const communityMemberColumns = `community_id, user_id, role, joined_at`

func (q queries) AddCommunityMember(ctx context.Context, m *models.CommunityMember) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO community_members (`+communityMemberColumns+`)
		VALUES (:community_id, :user_id, :role, :joined_at)`, m)
	return mapError(err, "add community member "+m.UserID)
}

func (q queries) UpdateCommunityMember(ctx context.Context, m *models.CommunityMember) error {
	res, err := sqlx.NamedExecContext(ctx, q.ext, `
		UPDATE community_members SET role = :role
		WHERE community_id = :community_id AND user_id = :user_id`, m)
	if err != nil {
		return mapError(err, "update community member "+m.UserID)
	}
	return expectOne(res, "update community member "+m.UserID)
}

func (q queries) RemoveCommunityMember(ctx context.Context, communityID, userID string) error {
	res, err := q.ext.ExecContext(ctx,
		`DELETE FROM community_members WHERE community_id = $1 AND user_id = $2`, communityID, userID)
	if err != nil {
		return mapError(err, "remove community member "+userID)
	}
	return expectOne(res, "remove community member "+userID)
}

func (q queries) ListCommunityMembers(ctx context.Context, communityID string) ([]models.CommunityMember, error) {
	ms := []models.CommunityMember{}
	err := sqlx.SelectContext(ctx, q.ext, &ms, `SELECT `+communityMemberColumns+` FROM community_members
		WHERE community_id = $1 ORDER BY joined_at, user_id`, communityID)
	if err != nil {
		return nil, mapError(err, "list community members")
	}
	return ms, nil
}
