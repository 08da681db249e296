package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/illmade-knight/go-renderflow/pkg/service"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the render result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := service.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			store, err := buildStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			stats := store.Stats(cmd.Context())
			fmt.Printf("Entries:    %d\n", stats.EntryCount)
			fmt.Printf("Total size: %d bytes (%.2f MB)\n", stats.TotalSizeBytes, float64(stats.TotalSizeBytes)/1024/1024)
			fmt.Printf("Oldest:     %s\n", formatTimestamp(stats.OldestEntry))
			fmt.Printf("Newest:     %s\n", formatTimestamp(stats.NewestEntry))
			return nil
		},
	}

	var olderThanMs int64
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := service.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			store, err := buildStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var deleted int
			if cmd.Flags().Changed("older-than") {
				deleted, err = store.ClearOlderThan(cmd.Context(), time.Duration(olderThanMs)*time.Millisecond)
			} else {
				deleted, err = store.ClearAll(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d cache entries.\n", deleted)
			return nil
		},
	}
	clearCmd.Flags().Int64Var(&olderThanMs, "older-than", 0, "only clear entries older than this many milliseconds")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "renderflow.yaml", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func formatTimestamp(ms *int64) string {
	if ms == nil {
		return "n/a"
	}
	return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
}
