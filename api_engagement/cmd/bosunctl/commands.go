package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"vibeslop/api_engagement/internal/actors"
	"vibeslop/api_engagement/internal/jobs"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/api_engagement/internal/profile"
	"vibeslop/api_engagement/internal/queue"
	"vibeslop/api_engagement/internal/store"
	"vibeslop/pkg/logging"
	"vibeslop/pkg/version"
)

func parseContentRef(args []string) (models.ContentType, int64, error) {
	t, err := models.ParseContentType(args[0])
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid content id %q", args[1])
	}
	return t, id, nil
}

func newScheduleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <post|project> <id>",
		Short: "Queue engagement scheduling for one content item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			contentType, id, err := parseContentRef(args)
			if err != nil {
				return err
			}
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			content, err := store.NewStore(db).GetContent(ctx, contentType, id)
			if err != nil {
				return err
			}
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			jobID, err := q.Enqueue(ctx, jobs.ScheduleRequest(content))
			if errors.Is(err, queue.ErrDuplicate) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d is already queued\n", contentType, id)
				return nil
			}
			if err != nil {
				return err
			}
			a.logger.WithFields(logging.Fields{"content_type": contentType, "content_id": id, "job_id": jobID}).Info("Queued scheduling")
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s %d (job %s)\n", contentType, id, jobID)
			return nil
		},
	}
}

func newExecuteCmd(a *app) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "execute <entry-id>",
		Short: "Queue one plan entry for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.settings()
			if err != nil {
				return err
			}
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			jobID, err := q.Enqueue(ctx, jobs.ExecuteRequest(args[0], delay, s.JobMaxAttempts))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued entry %s (job %s)\n", args[0], jobID)
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "run after this delay")
	return cmd
}

func newResetUsageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-usage",
		Short: "Zero every automated account's daily engagement counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			n, err := actors.NewDirectory(db, a.logger, actors.DirectoryOptions{}).ResetUsage(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d accounts\n", n)
			return nil
		},
	}
}

func newProfilesCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List intensity profiles, or validate a custom profile file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []profile.Profile
			if file != "" {
				p, err := profile.LoadFile(file)
				if err != nil {
					return err
				}
				list = append(list, p)
			} else {
				for _, name := range profile.Names() {
					p, _ := profile.Builtin(name)
					list = append(list, p)
				}
			}

			out := cmd.OutOrStdout()
			return a.emit(out, list, func() {
				for _, p := range list {
					targets := p.Targets(1)
					fmt.Fprintf(out, "%-8s lookahead=%s", p.Name, p.Lookahead)
					for _, t := range models.ContentEngagementTypes {
						fmt.Fprintf(out, " %s=%d", t, targets[t])
					}
					fmt.Fprintf(out, " %s=%d\n", models.Follow, profile.FollowCount(targets[models.Like]))
				}
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "custom profile YAML to validate")
	return cmd
}

func newCurateCmd(a *app) *cobra.Command {
	var (
		multiplier float64
		priority   int
		expires    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "curate <post|project> <id>",
		Short: "Set the engagement multiplier for one content item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			contentType, id, err := parseContentRef(args)
			if err != nil {
				return err
			}
			if multiplier < 0 || multiplier > profile.MaxMultiplier {
				return fmt.Errorf("multiplier must be within [0, %g]", profile.MaxMultiplier)
			}
			c := models.Curation{ContentType: contentType, ContentID: id, Priority: priority, Multiplier: multiplier}
			if expires > 0 {
				at := time.Now().Add(expires).UTC()
				c.ExpiresAt = &at
			}
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			if err := store.NewStore(db).UpsertCuration(ctx, c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "curated %s %d x%g\n", contentType, id, multiplier)
			return nil
		},
	}
	cmd.Flags().Float64Var(&multiplier, "multiplier", 1, "target multiplier")
	cmd.Flags().IntVar(&priority, "priority", 0, "curation priority")
	cmd.Flags().DurationVar(&expires, "expires", 0, "expire the override after this long (default never)")
	return cmd
}

type entriesReport struct {
	Counts  map[models.Status]int `json:"counts"`
	Entries []models.PlanEntry    `json:"entries"`
}

func newEntriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "entries <post|project> <id>",
		Short: "Show the plan entries for one content item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			contentType, id, err := parseContentRef(args)
			if err != nil {
				return err
			}
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			st := store.NewStore(db)
			counts, err := st.StatusCounts(ctx, contentType, id)
			if err != nil {
				return err
			}
			entries, err := st.ListEntries(ctx, contentType, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return a.emit(out, entriesReport{Counts: counts, Entries: entries}, func() {
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)
				for _, s := range statuses {
					fmt.Fprintf(out, "%s=%d ", s, counts[models.Status(s)])
				}
				fmt.Fprintln(out)
				for _, e := range entries {
					fmt.Fprintf(out, "%s  %-8s actor=%d  %s  %s\n", e.ID, e.Type, e.ActorID, e.ScheduledAt.Format(time.RFC3339), e.Status)
				}
			})
		},
	}
}

func newQueueCmd(a *app) *cobra.Command {
	var dead int64
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show job queue depths and recently buried jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q, err := a.openQueue(ctx)
			if err != nil {
				return err
			}
			depths, err := q.Depths(ctx)
			if err != nil {
				return err
			}
			buried, err := q.Dead(ctx, dead)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			report := map[string]any{"depths": depths, "dead": buried}
			return a.emit(out, report, func() {
				fmt.Fprintf(out, "due=%d inflight=%d dead=%d\n", depths["due"], depths["inflight"], depths["dead"])
				for _, job := range buried {
					fmt.Fprintf(out, "%s  %s  attempt %d/%d  %s\n", job.ID, job.Kind, job.Attempt, job.MaxAttempts, job.LastError)
				}
			})
		},
	}
	cmd.Flags().Int64Var(&dead, "dead", 10, "number of buried jobs to list")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the engagement schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			if err := store.NewStore(db).Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "bosunctl %s\n", version.String())
			return nil
		},
	}
}
