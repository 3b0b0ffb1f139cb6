package rpc

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
	"github.com/orcharddb/warden/internal/store"
)

// registerCloudCommands fills in the provider.* and machine.* namespaces.
// These commands validate and persist provisioning records; the actual
// cloud calls are made by external tooling.
func registerCloudCommands(reg *Registry) {
	reg.Register(&Command{
		GroupName:   "provider",
		CommandName: "register",
		Help: "provider.register(provider_id, type, username, passwd, url, " +
			"[tenant], [default_image], [default_flavor]): register a cloud provider.",
		Execute: func(call *Call) (*Result, error) {
			provider := &store.Provider{}
			fields := []*string{
				&provider.ProviderID, &provider.Type, &provider.Username,
				&provider.Passwd, &provider.URL,
			}
			for i, field := range fields {
				value, err := call.StringParam(i)
				if err != nil {
					return nil, err
				}
				*field = value
			}
			optional := []*string{&provider.Tenant, &provider.DefaultImage, &provider.DefaultFlavor}
			for i, field := range optional {
				value, err := call.OptionalString(len(fields)+i, "")
				if err != nil {
					return nil, err
				}
				*field = value
			}

			rt := call.Runtime
			err := rt.Store.WithTx(call.Ctx, func(tx *sqlx.Tx) error {
				existing, err := rt.Store.Providers().FetchProvider(call.Ctx, tx, provider.ProviderID)
				if err != nil {
					return err
				}
				if existing != nil {
					return werrors.Provider("provider (%s) already exists", provider.ProviderID)
				}
				return rt.Store.Providers().AddProvider(call.Ctx, tx, provider)
			})
			if err != nil {
				return nil, err
			}

			set := NewResultSet([]string{"provider_id"}, []string{"string"})
			set.AppendRow(provider.ProviderID)
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "provider",
		CommandName: "unregister",
		Help:        "provider.unregister(provider_id): remove a cloud provider without machines.",
		Execute: func(call *Call) (*Result, error) {
			providerID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			rt := call.Runtime
			err = rt.Store.WithTx(call.Ctx, func(tx *sqlx.Tx) error {
				existing, err := rt.Store.Providers().FetchProvider(call.Ctx, tx, providerID)
				if err != nil {
					return err
				}
				if existing == nil {
					return werrors.Provider("provider (%s) does not exist", providerID)
				}
				return rt.Store.Providers().RemoveProvider(call.Ctx, tx, providerID)
			})
			if err != nil {
				return nil, err
			}

			set := NewResultSet([]string{"provider_id"}, []string{"string"})
			set.AppendRow(providerID)
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "provider",
		CommandName: "list",
		Help:        "provider.list(): list registered cloud providers.",
		Execute: func(call *Call) (*Result, error) {
			rt := call.Runtime
			providers, err := rt.Store.Providers().ListProviders(call.Ctx, rt.Store.DB())
			if err != nil {
				return nil, err
			}

			set := NewResultSet(
				[]string{"provider_id", "type", "url", "tenant", "default_image", "default_flavor"},
				[]string{"string", "string", "string", "string", "string", "string"},
			)
			for _, p := range providers {
				set.AppendRow(p.ProviderID, p.Type, p.URL, p.Tenant, p.DefaultImage, p.DefaultFlavor)
			}
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "machine",
		CommandName: "create",
		Help:        "machine.create(provider_id, [av_zone], [addresses]): record a provisioned machine.",
		Execute: func(call *Call) (*Result, error) {
			providerID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			avZone, err := call.OptionalString(1, "")
			if err != nil {
				return nil, err
			}
			rawAddresses, err := call.OptionalString(2, "")
			if err != nil {
				return nil, err
			}

			machine := &store.Machine{
				MachineUUID: uuid.New(),
				ProviderID:  providerID,
				AvZone:      avZone,
			}
			for _, address := range strings.Split(rawAddresses, ",") {
				if address = strings.TrimSpace(address); address != "" {
					machine.Addresses = append(machine.Addresses, address)
				}
			}

			rt := call.Runtime
			err = rt.Store.WithTx(call.Ctx, func(tx *sqlx.Tx) error {
				return rt.Store.Providers().AddMachine(call.Ctx, tx, machine)
			})
			if err != nil {
				return nil, err
			}

			set := NewResultSet(
				[]string{"machine_uuid", "provider_id", "av_zone"},
				[]string{"string", "string", "string"},
			)
			set.AppendRow(machine.MachineUUID.String(), providerID, avZone)
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "machine",
		CommandName: "destroy",
		Help:        "machine.destroy(provider_id, machine_uuid): remove a machine record.",
		Execute: func(call *Call) (*Result, error) {
			providerID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			rawUUID, err := call.StringParam(1)
			if err != nil {
				return nil, err
			}
			machineUUID, err := uuid.Parse(rawUUID)
			if err != nil {
				return nil, werrors.Provider("invalid machine uuid (%s)", rawUUID)
			}

			rt := call.Runtime
			err = rt.Store.WithTx(call.Ctx, func(tx *sqlx.Tx) error {
				machines, err := rt.Store.Providers().ListMachines(call.Ctx, tx, providerID)
				if err != nil {
					return err
				}
				for _, machine := range machines {
					if machine.MachineUUID == machineUUID {
						return rt.Store.Providers().RemoveMachine(call.Ctx, tx, machineUUID)
					}
				}
				return werrors.Provider("machine (%s) does not belong to provider (%s)",
					rawUUID, providerID)
			})
			if err != nil {
				return nil, err
			}

			set := NewResultSet([]string{"machine_uuid"}, []string{"string"})
			set.AppendRow(rawUUID)
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})

	reg.Register(&Command{
		GroupName:   "machine",
		CommandName: "list",
		Help:        "machine.list(provider_id): list a provider's machines.",
		Execute: func(call *Call) (*Result, error) {
			providerID, err := call.StringParam(0)
			if err != nil {
				return nil, err
			}
			rt := call.Runtime
			machines, err := rt.Store.Providers().ListMachines(call.Ctx, rt.Store.DB(), providerID)
			if err != nil {
				return nil, err
			}

			set := NewResultSet(
				[]string{"machine_uuid", "provider_id", "av_zone", "addresses"},
				[]string{"string", "string", "string", "string"},
			)
			for _, machine := range machines {
				set.AppendRow(machine.MachineUUID.String(), machine.ProviderID,
					machine.AvZone, strings.Join(machine.Addresses, ","))
			}
			return &Result{Sets: []*ResultSet{set}}, nil
		},
	})
}
