package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/outbox"
	"github.com/mkrall/hobbyd/internal/service"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Apply a journal JSONL file, server-wins",
	Long: `Apply every entry of a journal file to the local store. Creates and
updates land as synced rows; deletes remove the local row. Entries that
fail to apply are reported and skipped.`,
	Args: cobra.ExactArgs(1),
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
		services := service.NewServices(st, tracker, notifier, newLogger("[service] "))

		applied, failures := outbox.Import(ctx, args[0], services)
		for _, failure := range failures {
			fmt.Printf("skipped: %v\n", failure)
		}
		fmt.Printf("Applied %d entries (%d failed)\n", applied, len(failures))
		if len(failures) > 0 {
			return fmt.Errorf("%d entries failed to apply", len(failures))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
