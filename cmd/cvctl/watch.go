package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/syncclient"
)

// pushAndWatch starts a push through a controller and streams job transitions until the job settles.
// A failed job exits non-zero.
func pushAndWatch(cmd *cobra.Command, opts *globalOptions, client *syncclient.Client, commitID uuid.UUID, target domain.Target, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	controller := syncclient.NewController(client, syncclient.WithLogger(opts.logger()))
	updates, stop := controller.Watch()
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- controller.Run(ctx) }()

	accepted, err := controller.Push(ctx, commitID, target)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s accepted for %s\n", accepted.JobID, accepted.Target)

	// Polling covers a job that settles before the subscription lands.
	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()

	var last domain.PushJob
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped watching job %s: %w", accepted.JobID, ctx.Err())
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("status connection: %w", err)
			}
			runErr = nil
		case <-poll.C:
			job, err := client.GetJob(ctx, accepted.JobID)
			if err != nil {
				continue
			}
			if done, err := report(cmd, &last, job); done {
				return err
			}
		case job := <-updates:
			if job.ID != accepted.JobID {
				continue
			}
			if done, err := report(cmd, &last, job); done {
				return err
			}
		}
	}
}

func report(cmd *cobra.Command, last *domain.PushJob, job domain.PushJob) (bool, error) {
	if job.PortfolioStatus != last.PortfolioStatus || job.EnrichmentStatus != last.EnrichmentStatus || job.OverallStatus != last.OverallStatus {
		printJob(cmd.OutOrStdout(), job)
		*last = job
	}
	if !job.Terminal() {
		return false, nil
	}
	if job.OverallStatus != domain.OverallStatusCompleted {
		return true, fmt.Errorf("push job %s finished %s", job.ID, job.OverallStatus)
	}
	return true, nil
}
