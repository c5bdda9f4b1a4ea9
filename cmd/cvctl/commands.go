package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/syncclient"
)

const timeLayout = "2006-01-02 15:04"

func newStagedCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "staged",
		Short: "List uncommitted staged changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			changes, err := client.ListStaged(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tACTION\tTARGET\tSTABLE ID\tCREATED")
			for _, change := range changes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					change.ID, change.EntityType, change.Action, change.Target,
					valueOr(change.StableID, "-"), change.CreatedAt.Local().Format(timeLayout))
			}
			return w.Flush()
		},
	}
}

func newStageCommand(opts *globalOptions) *cobra.Command {
	var (
		req         syncclient.StageRequest
		entityID    string
		stableID    string
		payloadFile string
	)
	cmd := &cobra.Command{
		Use:   "stage ENTITY_TYPE ACTION",
		Short: "Stage a change for the next commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.EntityType, req.Action = args[0], args[1]
			if entityID != "" {
				req.EntityID = &entityID
			}
			if stableID != "" {
				req.StableID = &stableID
			}
			if payloadFile != "" {
				payload, err := readPayload(cmd.InOrStdin(), payloadFile)
				if err != nil {
					return err
				}
				req.Payload = payload
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			change, err := client.Stage(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staged %s (%s %s, target %s)\n", change.ID, change.Action, change.EntityType, change.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&entityID, "entity-id", "", "id of the entity in the portfolio database")
	cmd.Flags().StringVar(&stableID, "stable-id", "", "stable id shared by both backends")
	cmd.Flags().StringVar(&req.Target, "target", "", "portfolio, enrichment or both (default both)")
	cmd.Flags().StringVarP(&payloadFile, "payload", "p", "", "JSON payload file, or - for stdin")
	return cmd
}

func newUnstageCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unstage ID",
		Short: "Discard an uncommitted staged change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.DeleteStaged(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", id)
			return nil
		},
	}
}

func newCommitCommand(opts *globalOptions) *cobra.Command {
	var (
		message string
		ids     []string
	)
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Group staged changes into a commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var changeIDs []uuid.UUID
			for _, raw := range ids {
				id, err := parseID(raw)
				if err != nil {
					return err
				}
				changeIDs = append(changeIDs, id)
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			commit, err := client.CreateCommit(cmd.Context(), message, changeIDs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "committed %s: %d change(s), target %s\n", commit.ID, commit.ChangeCount, commit.Target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.Flags().StringSliceVar(&ids, "change", nil, "staged change id to include (repeatable, default all)")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newCommitsCommand(opts *globalOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "commits",
		Short: "List commits, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *domain.CommitStatus
			if status != "" {
				parsed, err := domain.ParseCommitStatus(status)
				if err != nil {
					return err
				}
				filter = &parsed
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			commits, err := client.ListCommits(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tTARGET\tCHANGES\tCREATED\tMESSAGE")
			for _, commit := range commits {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					commit.ID, commit.Status, commit.Target, commit.ChangeCount,
					commit.CreatedAt.Local().Format(timeLayout), firstLine(commit.Message))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list commits in this status")
	return cmd
}

func newPushCommand(opts *globalOptions) *cobra.Command {
	var (
		target  string
		watch   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push COMMIT_ID",
		Short: "Push a commit to one or both backends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commitID, err := parseID(args[0])
			if err != nil {
				return err
			}
			parsed, err := domain.ParseTarget(target)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			if !watch {
				accepted, err := client.Push(cmd.Context(), commitID, parsed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s accepted for %s\n", accepted.JobID, accepted.Target)
				return nil
			}
			return pushAndWatch(cmd, opts, client, commitID, parsed, timeout)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "both", "portfolio (d1cv), enrichment (ai) or both")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job over the websocket until it settles")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Minute, "give up watching after this long")
	return cmd
}

func newJobCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job ID",
		Short: "Show the current state of a push job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pipeline counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "uncommitted\t%d\n", stats.Uncommitted)
			fmt.Fprintf(w, "active jobs\t%d\n", stats.ActiveJobs)
			for _, status := range domain.AllCommitStatuses {
				fmt.Fprintf(w, "commits %s\t%d\n", status, stats.Commits[status])
			}
			return w.Flush()
		},
	}
}

func printJob(out io.Writer, job domain.PushJob) {
	fmt.Fprintf(out, "job %s  commit %s  %s  portfolio=%s enrichment=%s\n",
		job.ID, job.CommitID, job.OverallStatus, job.PortfolioStatus, job.EnrichmentStatus)
	for _, leg := range []struct {
		name   string
		result *domain.LegResult
	}{{"portfolio", job.PortfolioResult}, {"enrichment", job.EnrichmentResult}} {
		if leg.result == nil {
			continue
		}
		if leg.result.Error != "" {
			fmt.Fprintf(out, "  %s error: %s\n", leg.name, leg.result.Error)
		} else if leg.result.Message != "" {
			fmt.Fprintf(out, "  %s: %s\n", leg.name, leg.result.Message)
		}
	}
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}

func readPayload(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func valueOr(value *string, fallback string) string {
	if value == nil || *value == "" {
		return fallback
	}
	return *value
}

func firstLine(message string) string {
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return message[:i]
	}
	return message
}
