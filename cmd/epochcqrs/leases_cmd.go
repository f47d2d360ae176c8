package main

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochcqrs/internal/shard"
)

// errNoRedis is returned by commands that read shard leases when Redis is off.
var errNoRedis = errors.New("shard leases live in redis (set redis.enabled)")

type leaseRow struct {
	Shard  int    `json:"shard" yaml:"shard"`
	Of     int    `json:"of" yaml:"of"`
	Holder string `json:"holder,omitempty" yaml:"holder,omitempty"`
}

func newLeasesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "Show which node holds each shard lease",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.Redis.Enabled {
				return errNoRedis
			}
			client := redis.NewClient(&redis.Options{
				Addr:     a.cfg.Redis.Addr,
				Password: a.cfg.Redis.Password,
				DB:       a.cfg.Redis.DB,
			})
			defer client.Close()

			// The inspector never claims, so its owner id is never written.
			coord, err := shard.NewRedis(client, a.cfg.Delivery.ShardCount, "epochcqrs-cli", a.cfg.Redis.LeaseTTL)
			if err != nil {
				return err
			}
			var rows []leaseRow
			for _, s := range coord.All() {
				holder, err := coord.Holder(cmd.Context(), s)
				if err != nil {
					return fmt.Errorf("leases: %w", err)
				}
				rows = append(rows, leaseRow{Shard: s.Index, Of: s.Of, Holder: holder})
			}
			return write(cmd.OutOrStdout(), a.output, rows)
		},
	}
}
