package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/session"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage knowledge sources",
		Long:  "List, add and remove the websites, articles and files the chatbot is trained on.",
	}
	cmd.AddCommand(newSourcesListCmd())
	cmd.AddCommand(newSourcesAddCmd())
	cmd.AddCommand(newSourcesRmCmd())
	return cmd
}

func newSourcesListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list [kind]",
		Short: "List knowledge sources",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := models.SourceKinds
			if len(args) == 1 {
				k, err := models.ParseSourceKind(args[0])
				if err != nil {
					return err
				}
				kinds = []models.SourceKind{k}
			}
			return withSession(cmd, configPath, func(ctx context.Context, s *session.Session) error {
				printSources(cmd.OutOrStdout(), s, kinds)
				return nil
			})
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	return cmd
}

func newSourcesAddCmd() *cobra.Command {
	var (
		configPath string
		title      string
		sitemap    bool
		size       int64
	)
	cmd := &cobra.Command{
		Use:   "add <kind> <key>",
		Short: "Add a knowledge source",
		Long:  "Adds a website URL, article ID or file name. The source is untrained until the next training run.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseSourceKind(args[0])
			if err != nil {
				return err
			}
			src := models.TrainingSource{Kind: kind, Key: args[1], Title: title, Sitemap: sitemap, Size: size}
			return withSession(cmd, configPath, func(ctx context.Context, s *session.Session) error {
				if err := s.AddSource(ctx, kind, src); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s %s\n", kind, args[1])
				return nil
			})
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	cmd.Flags().StringVar(&title, "title", "", "display title")
	cmd.Flags().BoolVar(&sitemap, "sitemap", false, "website URL is a sitemap")
	cmd.Flags().Int64Var(&size, "size", 0, "file size in bytes")
	return cmd
}

func newSourcesRmCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:     "rm <kind> <key>",
		Aliases: []string{"remove"},
		Short:   "Remove a knowledge source",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseSourceKind(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, configPath, func(ctx context.Context, s *session.Session) error {
				if err := s.RemoveSource(ctx, kind, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s %s\n", kind, args[1])
				return nil
			})
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	return cmd
}

// withSession loads the app, opens a session, runs fn and closes it.
func withSession(cmd *cobra.Command, configPath string, fn func(context.Context, *session.Session) error) error {
	a, err := loadApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printSources(out io.Writer, s *session.Session, kinds []models.SourceKind) {
	agg := s.Training()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tKEY\tTITLE\tTRAINED\tUPDATED")
	n := 0
	for _, k := range kinds {
		for _, src := range agg.Sources(k) {
			n++
			trained := "no"
			if src.IsTrained {
				trained = "yes"
			}
			updated := "-"
			if !src.UpdatedAt.IsZero() {
				updated = src.UpdatedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k, truncate(src.Key, 60), truncate(src.Title, 40), trained, updated)
		}
	}
	w.Flush()
	if n == 0 {
		fmt.Fprintln(out, "No sources found.")
		return
	}
	job := agg.Job()
	untrained := agg.UntrainedCounts()
	fmt.Fprintf(out, "\nUntrained: %d website, %d article, %d file. Job: %s",
		untrained[models.KindWebsite], untrained[models.KindArticle], untrained[models.KindFile], job.Status)
	if job.Status == models.JobTraining {
		fmt.Fprintf(out, " (%d%%)", job.Progress)
	}
	fmt.Fprintln(out)
}
