package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/presence"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the diagnostics journal",
		Long:  "The journal records channel notifications and mutation outcomes when journal.enabled is set.",
	}
	cmd.AddCommand(newJournalReplayCmd())
	cmd.AddCommand(newJournalPruneCmd())
	return cmd
}

func newJournalReplayCmd() *cobra.Command {
	var (
		configPath string
		orgID      string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded visitor updates and check invariants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := journalFromConfig(configPath)
			if err != nil {
				return err
			}
			if orgID == "" {
				orgID = cfg.Organization.OrgID
			}
			rep, err := journal.Replay(cmd.Context(), gormDB, orgID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printReport(out, orgID, rep)
			}
			if !rep.OK() {
				return fmt.Errorf("replay found %d violation(s)", len(rep.Violations))
			}
			return nil
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	cmd.Flags().StringVar(&orgID, "org", "", "organization to replay (default: organization.org_id)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newJournalPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := journalFromConfig(configPath)
			if err != nil {
				return err
			}
			age := olderThan
			if age == 0 && cfg.Journal.RetentionDays > 0 {
				age = time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
			}
			if age == 0 {
				return fmt.Errorf("set --older-than or journal.retention_days")
			}
			n, err := journal.Prune(cmd.Context(), gormDB, time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries older than %s\n", n, age)
			return nil
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete entries older than this (default: journal.retention_days)")
	return cmd
}

// journalDBOpts maps the journal section onto db options.
func journalDBOpts(jc config.JournalConfig) db.Opts {
	return db.Opts{
		Driver:   jc.Driver,
		Path:     jc.Path,
		Host:     jc.Host,
		Port:     jc.Port,
		Database: jc.Database,
		User:     jc.User,
		Password: jc.Password,
	}
}

func openJournalDB(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(journalDBOpts(cfg.Journal))
	if err != nil {
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return gormDB, nil
}

func journalFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := openJournalDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

func printReport(out io.Writer, orgID string, rep journal.Report) {
	fmt.Fprintf(out, "Organization:  %s\n", orgID)
	fmt.Fprintf(out, "Replayed:      %d (skipped %d)\n", rep.Replayed, rep.Skipped)
	fmt.Fprintf(out, "Generation:    %d\n", rep.Generation)
	fmt.Fprintf(out, "Traffic:       %d\n", rep.Traffic)
	for _, c := range presence.Categories {
		fmt.Fprintf(out, "  %-12s %d\n", c, rep.Counts[c])
	}
	if rep.OK() {
		fmt.Fprintln(out, "Invariants:    ok")
		return
	}
	fmt.Fprintf(out, "Invariants:    %d violation(s)\n", len(rep.Violations))
	for _, v := range rep.Violations {
		fmt.Fprintf(out, "  entry %d: %s\n", v.EntryID, v.Err)
	}
}
