package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// Provider is a registered cloud provider. The controller stores and
// validates these records; actual cloud calls happen elsewhere.
type Provider struct {
	ProviderID    string `db:"provider_id"`
	Type          string `db:"type"`
	Username      string `db:"username"`
	Passwd        string `db:"passwd"`
	URL           string `db:"url"`
	Tenant        string `db:"tenant"`
	DefaultImage  string `db:"default_image"`
	DefaultFlavor string `db:"default_flavor"`
}

// Machine is a provisioned machine tied to a provider.
type Machine struct {
	MachineUUID uuid.UUID
	ProviderID  string
	AvZone      string
	Addresses   []string
}

type machineRow struct {
	MachineUUID string         `db:"machine_uuid"`
	ProviderID  string         `db:"provider_id"`
	AvZone      string         `db:"av_zone"`
	Addresses   sql.NullString `db:"addresses"`
}

func (r *machineRow) toDomain() (*Machine, error) {
	id, err := uuid.Parse(r.MachineUUID)
	if err != nil {
		return nil, werrors.Persistence(err, "machine row has a corrupt uuid (%s)", r.MachineUUID)
	}
	machine := &Machine{MachineUUID: id, ProviderID: r.ProviderID, AvZone: r.AvZone}
	if r.Addresses.Valid && r.Addresses.String != "" {
		if err := json.Unmarshal([]byte(r.Addresses.String), &machine.Addresses); err != nil {
			return nil, werrors.Persistence(err, "machine (%s) has corrupt addresses", r.MachineUUID)
		}
	}
	return machine, nil
}

// ProviderRepo persists providers and machines.
type ProviderRepo struct {
	store *Store
}

// Providers returns the provider repository.
func (s *Store) Providers() *ProviderRepo {
	return &ProviderRepo{store: s}
}

// AddProvider registers a provider.
func (r *ProviderRepo) AddProvider(ctx context.Context, q Querier, p *Provider) error {
	if p.ProviderID == "" {
		return werrors.Provider("provider id must not be empty")
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO providers
		 (provider_id, type, username, passwd, url, tenant, default_image, default_flavor)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProviderID, p.Type, p.Username, p.Passwd, p.URL, p.Tenant,
		p.DefaultImage, p.DefaultFlavor)
	if err != nil {
		return werrors.Persistence(err, "insert provider (%s)", p.ProviderID)
	}
	return nil
}

// FetchProvider returns a provider or nil when it does not exist.
func (r *ProviderRepo) FetchProvider(ctx context.Context, q Querier, providerID string) (*Provider, error) {
	var p Provider
	err := sqlx.GetContext(ctx, q, &p,
		`SELECT provider_id, type, username, passwd, url, tenant, default_image, default_flavor
		 FROM providers WHERE provider_id = ?`, providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, werrors.Persistence(err, "fetch provider (%s)", providerID)
	}
	return &p, nil
}

// RemoveProvider unregisters a provider. A provider with machines cannot be
// removed.
func (r *ProviderRepo) RemoveProvider(ctx context.Context, q Querier, providerID string) error {
	var machines int
	err := sqlx.GetContext(ctx, q, &machines,
		"SELECT COUNT(*) FROM machines WHERE provider_id = ?", providerID)
	if err != nil {
		return werrors.Persistence(err, "count machines of provider (%s)", providerID)
	}
	if machines > 0 {
		return werrors.Provider("provider (%s) still has %d machines", providerID, machines)
	}
	if _, err := q.ExecContext(ctx,
		"DELETE FROM providers WHERE provider_id = ?", providerID); err != nil {
		return werrors.Persistence(err, "delete provider (%s)", providerID)
	}
	return nil
}

// ListProviders returns every provider ordered by id.
func (r *ProviderRepo) ListProviders(ctx context.Context, q Querier) ([]Provider, error) {
	var providers []Provider
	err := sqlx.SelectContext(ctx, q, &providers,
		`SELECT provider_id, type, username, passwd, url, tenant, default_image, default_flavor
		 FROM providers ORDER BY provider_id`)
	if err != nil {
		return nil, werrors.Persistence(err, "list providers")
	}
	return providers, nil
}

// AddMachine records a machine under an existing provider.
func (r *ProviderRepo) AddMachine(ctx context.Context, q Querier, m *Machine) error {
	provider, err := r.FetchProvider(ctx, q, m.ProviderID)
	if err != nil {
		return err
	}
	if provider == nil {
		return werrors.Provider("provider (%s) does not exist", m.ProviderID)
	}
	addresses, err := json.Marshal(m.Addresses)
	if err != nil {
		return werrors.Persistence(err, "serialize machine addresses")
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO machines (machine_uuid, provider_id, av_zone, addresses) VALUES (?, ?, ?, ?)",
		m.MachineUUID.String(), m.ProviderID, m.AvZone, string(addresses))
	if err != nil {
		return werrors.Persistence(err, "insert machine (%s)", m.MachineUUID)
	}
	return nil
}

// RemoveMachine deletes a machine.
func (r *ProviderRepo) RemoveMachine(ctx context.Context, q Querier, id uuid.UUID) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM machines WHERE machine_uuid = ?", id.String()); err != nil {
		return werrors.Persistence(err, "delete machine (%s)", id)
	}
	return nil
}

// ListMachines returns the machines of a provider ordered by uuid.
func (r *ProviderRepo) ListMachines(ctx context.Context, q Querier, providerID string) ([]*Machine, error) {
	var rows []machineRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT machine_uuid, provider_id, av_zone, addresses
		 FROM machines WHERE provider_id = ? ORDER BY machine_uuid`, providerID)
	if err != nil {
		return nil, werrors.Persistence(err, "list machines of provider (%s)", providerID)
	}
	machines := make([]*Machine, 0, len(rows))
	for i := range rows {
		machine, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		machines = append(machines, machine)
	}
	return machines, nil
}
