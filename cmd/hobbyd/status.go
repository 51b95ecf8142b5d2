package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/schema"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table and global sync status counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		st, err := store.Open(viper.GetString("db"), newLogger("[store] "))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		bus := event.NewBus(newLogger("[bus] "))
		notifier := notify.New(bus, nil, newLogger("[notify] "))
		tracker := synctrack.New(st, notifier, newLogger("[tracker] "))

		for _, table := range schema.Tables {
			counts, err := tracker.GetSyncStatusCounts(ctx, table)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s", table)
			for _, status := range schema.AllSyncStatuses {
				fmt.Printf("  %s=%d", status, counts[status])
			}
			fmt.Println()
		}

		state, err := tracker.GlobalState(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nglobal: pending=%d failed=%d conflicts=%d online=%v\n",
			state.PendingItemsCount, state.FailedItemsCount, state.ConflictItemsCount, state.IsOnline)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
