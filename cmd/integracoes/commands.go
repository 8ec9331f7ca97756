package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/carinho/integracoes/internal/config"
	"github.com/carinho/integracoes/internal/deadletter"
	"github.com/carinho/integracoes/internal/delivery"
	"github.com/carinho/integracoes/internal/mapping"
	"github.com/carinho/integracoes/internal/registry"
)

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func mappingCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Manage event mappings",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create mapping versions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			created, err := mapping.NewService(store).Import(context.Background(), f)
			for _, m := range created {
				fmt.Printf("  %s  %s -> %s  v%s\n", m.ID, m.EventType, m.TargetSystem, m.Version)
			}
			if err != nil {
				return fmt.Errorf("import stopped: %w", err)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List mapping versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, _ := cmd.Flags().GetString("event-type")
			target, _ := cmd.Flags().GetString("target")

			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ms, err := store.ListMappings(context.Background(), eventType, target)
			if err != nil {
				return fmt.Errorf("failed to list mappings: %w", err)
			}
			if len(ms) == 0 {
				fmt.Println("No mappings found.")
				return nil
			}
			for _, m := range ms {
				fmt.Printf("  %s  %s -> %s  v%s  required=%t\n", m.ID, m.EventType, m.TargetSystem, m.Version, m.Required)
			}
			return nil
		},
	}
	listCmd.Flags().String("event-type", "", "filter by event type")
	listCmd.Flags().String("target", "", "filter by target system")

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func endpointCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage webhook endpoints",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a webhook endpoint and print its secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			url, _ := cmd.Flags().GetString("url")
			events, _ := cmd.Flags().GetStringSlice("events")
			if system == "" || url == "" {
				return fmt.Errorf("--system and --url are required")
			}

			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ep, err := registry.New(store, log).CreateWithSecret(context.Background(), system, url, events)
			if err != nil {
				return fmt.Errorf("failed to create endpoint: %w", err)
			}
			printJSON(ep)
			fmt.Printf("secret: %s\n", ep.Secret)
			return nil
		},
	}
	createCmd.Flags().String("system", "", "target system name")
	createCmd.Flags().String("url", "", "webhook URL")
	createCmd.Flags().StringSlice("events", nil, "event types to subscribe to (default all)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")

			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			eps, err := registry.New(store, log).List(context.Background(), system)
			if err != nil {
				return fmt.Errorf("failed to list endpoints: %w", err)
			}
			if len(eps) == 0 {
				fmt.Println("No endpoints found.")
				return nil
			}
			for _, ep := range eps {
				events := "*"
				if len(ep.EventTypes) > 0 {
					events = strings.Join(ep.EventTypes, ",")
				}
				fmt.Printf("  %s  %-12s %-8s %s  [%s]\n", ep.ID, ep.SystemName, ep.Status, ep.URL, events)
			}
			return nil
		},
	}
	listCmd.Flags().String("system", "", "filter by system")

	status := func(use, short string, activate bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <endpoint_id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, log, cleanup, err := storeFromConfig(*configPath)
				if err != nil {
					return err
				}
				defer cleanup()

				reg := registry.New(store, log)
				if activate {
					err = reg.Activate(context.Background(), args[0])
				} else {
					err = reg.Deactivate(context.Background(), args[0])
				}
				if err != nil {
					return fmt.Errorf("failed to %s endpoint: %w", use, err)
				}
				fmt.Printf("endpoint %s: %sd\n", args[0], use)
				return nil
			},
		}
	}

	cmd.AddCommand(createCmd, listCmd,
		status("deactivate", "Stop delivering to an endpoint", false),
		status("activate", "Resume delivering to an endpoint", true))
	return cmd
}

func deadLetterCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and resolve dead-lettered events",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			archived, _ := cmd.Flags().GetBool("archived")
			limit, _ := cmd.Flags().GetInt("limit")

			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			dls, err := deadletter.NewService(store, nil, log).List(context.Background(), archived, limit, 0)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if len(dls) == 0 {
				fmt.Println("No dead letters.")
				return nil
			}
			for _, dl := range dls {
				fmt.Printf("  %s  event=%s  %s  %s\n", dl.ID, dl.EventID, dl.CreatedAt.Format(time.RFC3339), dl.Reason)
			}
			return nil
		},
	}
	listCmd.Flags().Bool("archived", false, "include archived dead letters")
	listCmd.Flags().Int("limit", 50, "maximum rows")

	// Without a live queue the reset event is picked up by the stale-event
	// sweeper of a running server.
	retryCmd := &cobra.Command{
		Use:   "retry <dead_letter_id>",
		Short: "Reset the event's failed deliveries and mark it pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ev, err := deadletter.NewService(store, nil, log).Retry(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to retry dead letter: %w", err)
			}
			fmt.Printf("event %s is %s\n", ev.ID, ev.Status)
			return nil
		},
	}

	archiveCmd := &cobra.Command{
		Use:   "archive <dead_letter_id>",
		Short: "Archive a dead letter without retrying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")

			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			dl, err := deadletter.NewService(store, nil, log).Archive(context.Background(), args[0], note)
			if err != nil {
				return fmt.Errorf("failed to archive dead letter: %w", err)
			}
			printJSON(dl)
			return nil
		},
	}
	archiveCmd.Flags().String("note", "", "resolution note appended to the reason")

	cmd.AddCommand(listCmd, retryCmd, archiveCmd)
	return cmd
}

func retryQueueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-queue",
		Short: "Operate on the retry queue",
	}

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Run one retry pass over due entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, log, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := delivery.NewEngine(cfg.Delivery, store, log).ProcessRetryQueue(context.Background(), limit)
			if err != nil {
				return fmt.Errorf("retry pass failed: %w", err)
			}
			fmt.Printf("processed %d retry entries\n", n)
			return nil
		},
	}
	processCmd.Flags().Int("limit", 50, "maximum entries to process")

	cmd.AddCommand(processCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show event and delivery stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			printJSON(stats)
			return nil
		},
	}
}
