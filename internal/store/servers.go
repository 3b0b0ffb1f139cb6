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

type serverRow struct {
	UUID    string  `db:"uuid"`
	GroupID string  `db:"group_id"`
	Address string  `db:"address"`
	User    string  `db:"user"`
	Passwd  string  `db:"passwd"`
	Mode    string  `db:"mode"`
	Status  string  `db:"status"`
	Weight  float64 `db:"weight"`
}

func (r *serverRow) toDomain() (*fleet.Server, error) {
	id, err := uuid.Parse(r.UUID)
	if err != nil {
		return nil, werrors.Persistence(err, "server row has a corrupt uuid (%s)", r.UUID)
	}
	return &fleet.Server{
		UUID:    id,
		GroupID: r.GroupID,
		Address: r.Address,
		User:    r.User,
		Passwd:  r.Passwd,
		Mode:    fleet.Mode(r.Mode),
		Status:  fleet.Status(r.Status),
		Weight:  r.Weight,
	}, nil
}

const serverColumns = "uuid, group_id, address, user, passwd, mode, status, weight"

// ServerRepo persists managed servers.
type ServerRepo struct {
	store *Store
}

// Servers returns the server repository.
func (s *Store) Servers() *ServerRepo {
	return &ServerRepo{store: s}
}

// Add inserts a new server.
func (r *ServerRepo) Add(ctx context.Context, q Querier, server *fleet.Server) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO servers ("+serverColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		server.UUID.String(), server.GroupID, server.Address, server.User,
		server.Passwd, string(server.Mode), string(server.Status), server.Weight)
	if err != nil {
		return werrors.Persistence(err, "insert server (%s)", server.UUID)
	}
	return nil
}

// Fetch returns a server or nil when it does not exist.
func (r *ServerRepo) Fetch(ctx context.Context, q Querier, id uuid.UUID) (*fleet.Server, error) {
	var row serverRow
	err := sqlx.GetContext(ctx, q, &row,
		"SELECT "+serverColumns+" FROM servers WHERE uuid = ?", id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.Persistence(err, "fetch server (%s)", id)
	}
	return row.toDomain()
}

// FetchByAddress returns a server by address or nil when it does not exist.
func (r *ServerRepo) FetchByAddress(ctx context.Context, q Querier, address string) (*fleet.Server, error) {
	var row serverRow
	err := sqlx.GetContext(ctx, q, &row,
		"SELECT "+serverColumns+" FROM servers WHERE address = ?", address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.Persistence(err, "fetch server at (%s)", address)
	}
	return row.toDomain()
}

// Remove deletes a server.
func (r *ServerRepo) Remove(ctx context.Context, q Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM servers WHERE uuid = ?", id.String()); err != nil {
		return werrors.Persistence(err, "delete server (%s)", id)
	}
	return nil
}

// InGroup returns every server of a group ordered by uuid.
func (r *ServerRepo) InGroup(ctx context.Context, q Querier, groupID string) ([]*fleet.Server, error) {
	var rows []serverRow
	err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT "+serverColumns+" FROM servers WHERE group_id = ? ORDER BY uuid", groupID)
	if err != nil {
		return nil, werrors.Persistence(err, "list servers of group (%s)", groupID)
	}
	servers := make([]*fleet.Server, 0, len(rows))
	for i := range rows {
		server, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// SetStatus updates a server's status after validating the transition
// against the fixed matrix.
func (r *ServerRepo) SetStatus(ctx context.Context, q Querier, id uuid.UUID, to fleet.Status) error {
	server, err := r.Fetch(ctx, q, id)
	if err != nil {
		return err
	}
	if server == nil {
		return werrors.Server("server (%s) does not exist", id)
	}
	if !fleet.CanTransition(server.Status, to) {
		return werrors.Server("server (%s) may not go from %s to %s", id, server.Status, to)
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE servers SET status = ? WHERE uuid = ?", string(to), id.String()); err != nil {
		return werrors.Persistence(err, "update status of server (%s)", id)
	}
	return nil
}

// SetMode updates a server's access mode.
func (r *ServerRepo) SetMode(ctx context.Context, q Querier, id uuid.UUID, mode fleet.Mode) error {
	if _, err := q.ExecContext(ctx,
		"UPDATE servers SET mode = ? WHERE uuid = ?", string(mode), id.String()); err != nil {
		return werrors.Persistence(err, "update mode of server (%s)", id)
	}
	return nil
}

// SetWeight updates a server's weight.
func (r *ServerRepo) SetWeight(ctx context.Context, q Querier, id uuid.UUID, weight float64) error {
	if weight < 0 {
		return werrors.Server("server weight must not be negative, got %v", weight)
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE servers SET weight = ? WHERE uuid = ?", weight, id.String()); err != nil {
		return werrors.Persistence(err, "update weight of server (%s)", id)
	}
	return nil
}
