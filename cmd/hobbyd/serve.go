package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkrall/hobbyd/internal/broadcast"
	"github.com/mkrall/hobbyd/internal/event"
	"github.com/mkrall/hobbyd/internal/notify"
	"github.com/mkrall/hobbyd/internal/outbox"
	"github.com/mkrall/hobbyd/internal/relation"
	"github.com/mkrall/hobbyd/internal/service"
	"github.com/mkrall/hobbyd/internal/store"
	"github.com/mkrall/hobbyd/internal/synctrack"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the data layer with the relay hub and spool watcher",
	Long: `Open the store, start the cross-instance relay hub, wire the event
plumbing and watch the spool directory for inbound journal files. Runs
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(viper.GetString("db"), newLogger("[store] "))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		hub := broadcast.NewHub(&broadcast.HubConfig{
			Addr:   viper.GetString("hub_addr"),
			Logger: newLogger("[hub] "),
		})
		if err := hub.Start(); err != nil {
			return fmt.Errorf("failed to start relay hub: %w", err)
		}
		defer hub.Stop()

		bus := event.NewBus(newLogger("[bus] "))
		adapter, err := broadcast.NewAdapter(ctx, hub.URL(), bus, newLogger("[relay] "))
		if err != nil {
			return fmt.Errorf("failed to join relay hub: %w", err)
		}
		defer adapter.Close()

		notifier := notify.New(bus, adapter, newLogger("[notify] "))
		tracker := synctrack.New(st, notifier, newLogger("[tracker] "))
		services := service.NewServices(st, tracker, notifier, newLogger("[service] "))

		relations := relation.New(services, newLogger("[relation] "))
		relations.Start(bus)
		defer relations.Stop()

		watcher, err := outbox.NewWatcher(outbox.WatcherConfig{
			SpoolDir: viper.GetString("spool_dir"),
			Logger:   newLogger("[spool] "),
		}, services)
		if err != nil {
			return fmt.Errorf("failed to create spool watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start spool watcher: %w", err)
		}
		defer watcher.Stop()

		if n, err := tracker.RequeueOfflineAll(ctx); err != nil {
			return err
		} else if n > 0 {
			fmt.Printf("Requeued %d offline rows\n", n)
		}

		fmt.Printf("hobbyd serving: db=%s hub=%s spool=%s\n",
			st.Path(), hub.Addr(), viper.GetString("spool_dir"))

		<-ctx.Done()
		fmt.Println("Shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("hub-addr", "", "relay hub listen address")
	serveCmd.Flags().String("spool-dir", "", "inbound journal spool directory")
	viper.BindPFlag("hub_addr", serveCmd.Flags().Lookup("hub-addr"))
	viper.BindPFlag("spool_dir", serveCmd.Flags().Lookup("spool-dir"))

	rootCmd.AddCommand(serveCmd)
}
