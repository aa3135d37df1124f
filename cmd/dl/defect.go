package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"defectline/internal/domain"
	"defectline/internal/duedate"
	"defectline/internal/engine"
)

func defectCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "defect",
		Short: "Manage defects",
		Long:  "Defects flow new -> in_progress -> review -> closed. Engineers start and submit work; managers approve, send back, cancel and reopen. Every change needs the version you last saw, or the CLI re-reads it for you.",
	}
	d.AddCommand(defectCreateCmd())
	d.AddCommand(defectListCmd())
	d.AddCommand(defectGetCmd())
	d.AddCommand(defectStatusCmd())
	d.AddCommand(defectAssignCmd())
	d.AddCommand(defectHistoryCmd())
	d.AddCommand(defectTransitionsCmd())
	d.AddCommand(defectEditCmd())
	d.AddCommand(defectCommentCmd())
	d.AddCommand(defectCommentsCmd())
	d.AddCommand(defectBulkCmd())
	return d
}

func defectCreateCmd() *cobra.Command {
	var opts engine.CreateDefectOptions
	var priority, severity, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report a defect",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Priority = domain.Priority(priority)
			opts.Severity = domain.Severity(severity)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if due != "" {
					t, err := duedate.Parse(due, time.Now())
					if err != nil {
						return err
					}
					opts.DueDate = &t
				}
				d, err := e.CreateDefect(ctx, opts)
				if err != nil {
					return err
				}
				v, err := e.GetDefect(ctx, d.ID)
				if err != nil {
					return err
				}
				return printDefect(v)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location on site")
	cmd.Flags().StringVar(&opts.Floor, "floor", "", "floor")
	cmd.Flags().StringVar(&opts.Room, "room", "", "room")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (cosmetic, minor, major, critical, blocking)")
	cmd.Flags().StringVar(&opts.CategoryID, "category", "", "category id")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD, RFC 3339, or phrases like 'next friday')")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func defectListCmd() *cobra.Command {
	var opts engine.ListOptions
	var status, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List defects, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = domain.Status(status)
			opts.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDefects(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Number", "Title", "Status", "Priority", "Assignee", "Due", "Overdue", "Ver"})
				for _, v := range items {
					d := v.Defect
					tw.AppendRow(table.Row{d.Number, d.Title, colorStatus(d.Status), d.Priority, deref(d.AssigneeID), formatTime(d.DueDate), overdueLabel(v.Overdue), d.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&opts.CategoryID, "category", "", "category filter")
	cmd.Flags().BoolVar(&opts.OverdueOnly, "overdue", false, "only overdue open defects")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum rows")
	return cmd
}

func defectGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|number>",
		Short: "Show one defect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				return printDefect(v)
			})
		},
	}
}

func defectStatusCmd() *cobra.Command {
	var comment string
	var expected int64
	cmd := &cobra.Command{
		Use:   "status <id|number> <status>",
		Short: "Move a defect to another status",
		Long:  "Without --expected-version the current version is read first and the change is retried if another writer gets in between. With it, a stale version is refused.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				opts := engine.TransitionOptions{
					DefectID:        cur.Defect.ID,
					To:              to,
					ExpectedVersion: expected,
					Comment:         comment,
					ActorID:         viper.GetString("actor-id"),
				}
				var v engine.DefectView
				var rec domain.TransitionRecord
				if expected > 0 {
					v, rec, err = e.Transition(ctx, opts)
				} else {
					opts.ExpectedVersion = cur.Defect.Version
					v, rec, err = e.TransitionWithRetry(ctx, opts)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"defect": v, "transition": rec})
				}
				fmt.Printf("%s: %s -> %s (version %d)\n", v.Defect.Number, colorStatus(rec.From), colorStatus(rec.To), v.Defect.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded in history")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "refuse the change unless the defect is at this version")
	return cmd
}

func defectAssignCmd() *cobra.Command {
	var assignee, due string
	var expected int64
	cmd := &cobra.Command{
		Use:   "assign <id|number>",
		Short: "Assign a defect to an engineer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				opts := engine.AssignOptions{
					DefectID:        cur.Defect.ID,
					AssigneeID:      assignee,
					ExpectedVersion: expected,
					ActorID:         viper.GetString("actor-id"),
				}
				if opts.ExpectedVersion == 0 {
					opts.ExpectedVersion = cur.Defect.Version
				}
				if due != "" {
					t, err := duedate.Parse(due, time.Now())
					if err != nil {
						return err
					}
					opts.DueDate = &t
				}
				v, err := e.Assign(ctx, opts)
				if err != nil {
					return err
				}
				return printDefect(v)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee user id")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD, RFC 3339, or phrases like 'in 3 days')")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "refuse unless the defect is at this version (default: current)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func defectHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id|number>",
		Short: "Show the status history of a defect, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				recs, err := e.History(ctx, cur.Defect.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Time", "From", "To", "Actor", "Ver", "Comment"})
				for _, r := range recs {
					tw.AppendRow(table.Row{formatTime(&r.TS), colorStatus(r.From), colorStatus(r.To), r.ActorID, r.Version, r.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func defectTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <id|number>",
		Short: "List the statuses the acting user may move a defect to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				allowed, err := e.AllowedTransitions(ctx, cur.Defect.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(allowed)
				}
				if len(allowed) == 0 {
					fmt.Printf("%s (%s): no transitions available\n", cur.Defect.Number, colorStatus(cur.Defect.Status))
					return nil
				}
				names := make([]string, len(allowed))
				for i, s := range allowed {
					names[i] = colorStatus(s)
				}
				fmt.Printf("%s (%s) -> %s\n", cur.Defect.Number, colorStatus(cur.Defect.Status), strings.Join(names, ", "))
				return nil
			})
		},
	}
}

func printDefect(v engine.DefectView) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	d := v.Defect
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", d.ID},
		{"Number", d.Number},
		{"Project", d.ProjectID},
		{"Title", d.Title},
		{"Status", colorStatus(d.Status)},
		{"Priority", d.Priority},
		{"Severity", d.Severity},
		{"Category", deref(d.CategoryID)},
		{"Location", strings.TrimSpace(strings.Join([]string{d.Location, d.Floor, d.Room}, " "))},
		{"Author", d.AuthorID},
		{"Assignee", deref(d.AssigneeID)},
		{"Reviewer", deref(d.ReviewerID)},
		{"Due", formatTime(d.DueDate)},
		{"Overdue", overdueLabel(v.Overdue)},
		{"Created", formatTime(&d.CreatedAt)},
		{"Updated", formatTime(&d.UpdatedAt)},
		{"Version", d.Version},
	})
	tw.Render()
	return nil
}

func overdueLabel(o domain.OverdueView) string {
	switch {
	case o.DaysRemaining == nil:
		return ""
	case o.IsOverdue:
		return color.RedString("%d days late", -*o.DaysRemaining)
	default:
		return fmt.Sprintf("%d days left", *o.DaysRemaining)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
