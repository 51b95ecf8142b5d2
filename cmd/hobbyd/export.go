package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkrall/hobbyd/internal/outbox"
	"github.com/mkrall/hobbyd/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export pending journal entries as JSONL",
	Long: `Write every not-yet-exported sync journal entry as one JSON line,
then mark the batch exported. With no file argument the entries go to
stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		st, err := store.Open(viper.GetString("db"), newLogger("[store] "))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		var n int
		if len(args) == 1 {
			n, err = outbox.ExportFile(ctx, st, args[0])
		} else {
			n, err = outbox.Export(ctx, st, os.Stdout)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Exported %d journal entries\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
