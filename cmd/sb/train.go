package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/session"
)

func newTrainCmd() *cobra.Command {
	var (
		configPath string
		wait       bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Trigger chatbot training",
		Long:  "Starts a training run over every knowledge source. With --wait, blocks until the server reports completion or failure.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, configPath, func(ctx context.Context, s *session.Session) error {
				out := cmd.OutOrStdout()
				if err := s.TriggerTraining(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "Training started.")
				if !wait {
					return nil
				}
				return waitForTraining(ctx, out, s, timeout)
			})
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for training to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "how long --wait waits")
	return cmd
}

// waitForTraining runs the session until the job leaves training, printing
// progress as it changes.
func waitForTraining(ctx context.Context, out io.Writer, s *session.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	changed := make(chan struct{}, 1)
	remove := s.Training().OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()
	defer func() {
		cancel()
		<-runDone
	}()

	last := -1
	for {
		job := s.Training().Job()
		switch job.Status {
		case models.JobCompleted, models.JobIdle:
			fmt.Fprintln(out, "Training completed.")
			return nil
		case models.JobFailed:
			if job.Message != "" {
				return fmt.Errorf("training failed: %s", job.Message)
			}
			return fmt.Errorf("training failed")
		}
		if job.Progress != last {
			fmt.Fprintf(out, "Training... %d%%\n", job.Progress)
			last = job.Progress
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for training: %w", ctx.Err())
		}
	}
}
