package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochcqrs/internal/delivery"
	"github.com/snehjoshi/epochcqrs/internal/dlq"
	"github.com/snehjoshi/epochcqrs/internal/storage"
	"github.com/snehjoshi/epochcqrs/internal/types"
)

func newInboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Inspect inbox records",
	}
	cmd.AddCommand(
		newPendingCmd(a),
		newDeadCmd(a),
		newReplayCmd(a),
		newDiscardCmd(a),
		newPurgeCmd(a),
		newStatsCmd(a),
		newLeasesCmd(a),
	)
	return cmd
}

func addFilterFlags(cmd *cobra.Command, f *dlq.Filter, withLimit bool) {
	cmd.Flags().StringVar(&f.Tenant, "tenant", "", "only records of this tenant")
	cmd.Flags().StringVar(&f.TypeURL, "type", "", "only records of this entity type")
	cmd.Flags().StringVar(&f.EntityID, "entity", "", "only records of this entity id")
	if withLimit {
		cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum records to print (0 for all)")
	}
}

func newPendingCmd(a *app) *cobra.Command {
	var (
		f     dlq.Filter
		shard int
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List records waiting for delivery, oldest first per shard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			status := types.StatusToDeliver
			q := storage.InboxQuery{
				Tenant:   f.Tenant,
				TypeURL:  f.TypeURL,
				EntityID: f.EntityID,
				Status:   &status,
				Limit:    f.Limit,
			}
			if shard >= 0 {
				q.Shard = &shard
			}
			msgs, err := store.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), a.output, toRecords(msgs))
		},
	}
	addFilterFlags(cmd, &f, true)
	cmd.Flags().IntVar(&shard, "shard", -1, "only records of this shard index")
	return cmd
}

func newDeadCmd(a *app) *cobra.Command {
	var f dlq.Filter
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			msgs, err := dlq.NewManager(store, nil, a.logger).List(cmd.Context(), f)
			if err != nil {
				return err
			}
			return write(cmd.OutOrStdout(), a.output, toRecords(msgs))
		},
	}
	addFilterFlags(cmd, &f, true)
	return cmd
}

func newReplayCmd(a *app) *cobra.Command {
	var f dlq.Filter
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Return dead-lettered records to delivery",
		Long: "Replay resets the attempt count of the matching dead-lettered records and\n" +
			"marks them pending. A running bounded context picks them up on its next poll.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := dlq.NewManager(store, nil, a.logger).Replay(cmd.Context(), f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed %d record(s)\n", n)
			return err
		},
	}
	addFilterFlags(cmd, &f, false)
	return cmd
}

func newDiscardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <record-id>...",
		Short: "Delete dead-lettered records for good",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			m := dlq.NewManager(store, nil, a.logger)
			for _, id := range args {
				if err := m.Discard(cmd.Context(), id); err != nil {
					return fmt.Errorf("discard %s: %w", id, err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "discarded %d record(s)\n", len(args))
			return err
		},
	}
}

func newPurgeCmd(a *app) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove delivered records older than the dedup window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if window <= 0 {
				window = a.cfg.Delivery.DedupWindow
			}
			n, err := delivery.NewCleaner(store, window, time.Hour, nil, a.logger, nil).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged %d record(s)\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "keep delivered records younger than this (default delivery.dedup_window)")
	return cmd
}

type stats struct {
	Pending int                    `json:"pending" yaml:"pending"`
	Dead    int                    `json:"dead" yaml:"dead"`
	Shards  []delivery.ShardCounts `json:"shards" yaml:"shards"`
}

func newStatsCmd(a *app) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count records per shard and status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			shards, err := delivery.Snapshot(cmd.Context(), store, tenantID)
			if err != nil {
				return err
			}
			out := stats{Shards: shards}
			for _, s := range shards {
				out.Pending += s.Pending
				out.Dead += s.Dead
			}
			return write(cmd.OutOrStdout(), a.output, out)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "only records of this tenant")
	return cmd
}
