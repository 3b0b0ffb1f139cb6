package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/internal/fleet"
)

// Querier is satisfied by both *sqlx.DB and *sqlx.Tx so repository methods
// can run inside or outside an explicit transaction.
type Querier = sqlx.ExtContext

type groupRow struct {
	GroupID     string         `db:"group_id"`
	Description string         `db:"description"`
	MasterUUID  sql.NullString `db:"master_uuid"`
	Status      string         `db:"status"`
}

func (r *groupRow) toDomain() (*fleet.Group, error) {
	group := &fleet.Group{
		ID:          r.GroupID,
		Description: r.Description,
		Status:      fleet.GroupStatus(r.Status),
	}
	if r.MasterUUID.Valid && r.MasterUUID.String != "" {
		master, err := uuid.Parse(r.MasterUUID.String)
		if err != nil {
			return nil, werrors.Persistence(err, "group (%s) has a corrupt master uuid", r.GroupID)
		}
		group.MasterUUID = master
	}
	return group, nil
}

// GroupRepo persists replication groups.
type GroupRepo struct {
	store *Store
}

// Groups returns the group repository.
func (s *Store) Groups() *GroupRepo {
	return &GroupRepo{store: s}
}

// Add inserts a new group.
func (r *GroupRepo) Add(ctx context.Context, q Querier, group *fleet.Group) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO groups (group_id, description, master_uuid, status) VALUES (?, ?, NULL, ?)",
		group.ID, group.Description, string(group.Status))
	if err != nil {
		return werrors.Persistence(err, "insert group (%s)", group.ID)
	}
	return nil
}

// Fetch returns a group or nil when it does not exist.
func (r *GroupRepo) Fetch(ctx context.Context, q Querier, groupID string) (*fleet.Group, error) {
	var row groupRow
	err := sqlx.GetContext(ctx, q, &row,
		"SELECT group_id, description, master_uuid, status FROM groups WHERE group_id = ?",
		groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.Persistence(err, "fetch group (%s)", groupID)
	}
	return row.toDomain()
}

// Remove deletes a group.
func (r *GroupRepo) Remove(ctx context.Context, q Querier, groupID string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM groups WHERE group_id = ?", groupID); err != nil {
		return werrors.Persistence(err, "delete group (%s)", groupID)
	}
	return nil
}

// SetMaster updates the group's primary. uuid.Nil clears it.
func (r *GroupRepo) SetMaster(ctx context.Context, q Querier, groupID string, master uuid.UUID) error {
	value := sql.NullString{}
	if master != uuid.Nil {
		value = sql.NullString{String: master.String(), Valid: true}
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE groups SET master_uuid = ? WHERE group_id = ?", value, groupID); err != nil {
		return werrors.Persistence(err, "update master of group (%s)", groupID)
	}
	return nil
}

// SetStatus updates the group's administrative status.
func (r *GroupRepo) SetStatus(ctx context.Context, q Querier, groupID string, status fleet.GroupStatus) error {
	if _, err := q.ExecContext(ctx,
		"UPDATE groups SET status = ? WHERE group_id = ?", string(status), groupID); err != nil {
		return werrors.Persistence(err, "update status of group (%s)", groupID)
	}
	return nil
}

// All returns every group ordered by id.
func (r *GroupRepo) All(ctx context.Context, q Querier) ([]*fleet.Group, error) {
	return r.list(ctx, q,
		"SELECT group_id, description, master_uuid, status FROM groups ORDER BY group_id")
}

// ByStatus returns every group with the given status ordered by id.
func (r *GroupRepo) ByStatus(ctx context.Context, q Querier, status fleet.GroupStatus) ([]*fleet.Group, error) {
	return r.list(ctx, q,
		"SELECT group_id, description, master_uuid, status FROM groups WHERE status = ? ORDER BY group_id",
		string(status))
}

func (r *GroupRepo) list(ctx context.Context, q Querier, query string, args ...interface{}) ([]*fleet.Group, error) {
	var rows []groupRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, werrors.Persistence(err, "list groups")
	}
	groups := make([]*fleet.Group, 0, len(rows))
	for i := range rows {
		group, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}
