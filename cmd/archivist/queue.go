// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/archivist/internal/forward"
)

func newScheduleCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage forward schedules",
	}
	cmd.AddCommand(
		newScheduleAddCmd(flags),
		newScheduleToggleCmd(flags, "enable", "Resume forwarding for a schedule", true),
		newScheduleToggleCmd(flags, "disable", "Pause a schedule; its queued items stay", false),
		newScheduleListCmd(flags),
	)
	return cmd
}

func newScheduleAddCmd(flags *globalFlags) *cobra.Command {
	var (
		spec     forward.ScheduleSpec
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a schedule",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			if cmd.Flags().Changed("disabled") {
				enabled := !disabled
				spec.Enabled = &enabled
			}
			id, err := a.RegisterSchedule(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"schedule_id": id})
		},
	}
	f := cmd.Flags()
	f.StringVar(&spec.ID, "id", "", "schedule id (generated when empty)")
	f.StringVar(&spec.SourceID, "source", forward.AnySource, "source channel id, * for any")
	f.StringVar(&spec.DestinationID, "destination", "", "destination id")
	f.StringVar(&spec.Trigger, "trigger", "", "cron expression or @every/@daily; empty forwards on ingest")
	f.StringSliceVar(&spec.Criteria.Categories, "category", nil, "only forward files in this category (repeatable)")
	f.StringSliceVar(&spec.Criteria.MimePrefixes, "mime-prefix", nil, "only forward files with this MIME prefix (repeatable)")
	f.Int64Var(&spec.Criteria.MinBytes, "min-bytes", 0, "minimum file size")
	f.Int64Var(&spec.Criteria.MaxBytes, "max-bytes", 0, "maximum file size, 0 for no limit")
	f.BoolVar(&disabled, "disabled", false, "register the schedule disabled; an update without the flag keeps the current state")
	return cmd
}

func newScheduleToggleCmd(flags *globalFlags, verb, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			if err := a.SetScheduleEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"schedule_id": args[0], "enabled": enabled})
		},
	}
}

func newScheduleListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered schedules",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			schedules, err := a.Schedules(cmd.Context())
			if err != nil {
				return err
			}
			if schedules == nil {
				schedules = []forward.Schedule{}
			}
			return printJSON(cmd, schedules)
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var stats bool
	cmd := &cobra.Command{
		Use:   "status [SCHEDULE]",
		Short: "Show queue counts for one schedule or all of them",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, done, err := openArchive(ctx, flags)
			if err != nil {
				return err
			}
			defer done()

			ids := args
			if len(ids) == 0 {
				schedules, err := a.Schedules(ctx)
				if err != nil {
					return err
				}
				for _, s := range schedules {
					ids = append(ids, s.ID)
				}
			}

			out := make([]any, 0, len(ids))
			for _, id := range ids {
				var (
					v   any
					err error
				)
				if stats {
					v, err = a.Stats(ctx, id)
				} else {
					v, err = a.Status(ctx, id)
				}
				if err != nil {
					return err
				}
				out = append(out, v)
			}
			if len(args) == 1 {
				return printJSON(cmd, out[0])
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "include attempt statistics")
	return cmd
}

func newItemsCmd(flags *globalFlags) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "items SCHEDULE",
		Short: "List queue items of a schedule",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := forward.State(state)
			if st != "" && !st.Valid() {
				return fmt.Errorf("%w: unknown state %q", errUsage, state)
			}
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			items, err := a.Items(cmd.Context(), args[0], st, limit)
			if err != nil {
				return err
			}
			if items == nil {
				items = []forward.Item{}
			}
			return printJSON(cmd, items)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only items in this state")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items")
	return cmd
}

func newClaimCmd(flags *globalFlags) *cobra.Command {
	var (
		agent    string
		maxItems int
	)
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Lease pending items to an external delivery agent",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			items, err := a.Claim(cmd.Context(), agent, maxItems)
			if err != nil {
				return err
			}
			if items == nil {
				items = []forward.Item{}
			}
			return printJSON(cmd, items)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "cli", "agent id recorded as the lease holder")
	cmd.Flags().IntVar(&maxItems, "max", 10, "maximum items to claim")
	return cmd
}

func newMarkResultCmd(flags *globalFlags) *cobra.Command {
	var o forward.Outcome
	cmd := &cobra.Command{
		Use:   "mark-result ITEM",
		Short: "Record the delivery outcome of a claimed item",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !o.Delivered && o.Error == "" {
				return fmt.Errorf("%w: either --delivered or --error is required", errUsage)
			}
			if o.Delivered && (o.Error != "" || o.Permanent) {
				return fmt.Errorf("%w: --delivered excludes --error and --permanent", errUsage)
			}
			a, done, err := openArchive(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			it, err := a.MarkResult(cmd.Context(), args[0], o)
			if err != nil {
				return err
			}
			return printJSON(cmd, it)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&o.Delivered, "delivered", false, "the item reached its destination")
	f.StringVar(&o.Ref, "ref", "", "reference returned by the destination")
	f.StringVar(&o.Error, "error", "", "failure message")
	f.BoolVar(&o.Permanent, "permanent", false, "dead-letter the item instead of retrying")
	return cmd
}
