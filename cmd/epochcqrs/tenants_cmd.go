package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/tenant"
)

type tenantRow struct {
	ID      string `json:"id" yaml:"id"`
	Created string `json:"created" yaml:"created"`
}

func newTenantsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect known tenants",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every tenant that has posted a message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := tenant.NewRegistry(cmd.Context(), store, a.logger)
			if err != nil {
				return err
			}
			recs, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]tenantRow, len(recs))
			for i, r := range recs {
				rows[i] = tenantRow{ID: r.ID, Created: time.UnixMilli(r.CreatedAt).UTC().Format(time.RFC3339)}
			}
			return write(cmd.OutOrStdout(), a.output, rows)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>...",
		Short: "Forget tenants; their inbox and entity records are kept",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := tenant.NewRegistry(cmd.Context(), store, a.logger)
			if err != nil {
				return err
			}
			for _, id := range args {
				if !reg.Exists(id) {
					return fmt.Errorf("tenant %s: %w", id, storage.ErrNotFound)
				}
				if err := reg.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d tenant(s)\n", len(args))
			return err
		},
	})
	return cmd
}
