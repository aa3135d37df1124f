package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"defectline/internal/domain"
	"defectline/internal/engine"
)

func defectEditCmd() *cobra.Command {
	var title, description, location, floor, room, priority, severity, category string
	var expected int64
	cmd := &cobra.Command{
		Use:   "edit <id|number>",
		Short: "Edit a defect's title, description, location, priority, severity or category",
		Long:  "Only the flags you pass are changed. --category \"\" clears the category.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				opts := engine.UpdateDefectOptions{
					DefectID:        cur.Defect.ID,
					ExpectedVersion: expected,
					ActorID:         viper.GetString("actor-id"),
				}
				if opts.ExpectedVersion == 0 {
					opts.ExpectedVersion = cur.Defect.Version
				}
				flags := cmd.Flags()
				for name, dst := range map[string]**string{
					"title":       &opts.Title,
					"description": &opts.Description,
					"location":    &opts.Location,
					"floor":       &opts.Floor,
					"room":        &opts.Room,
					"category":    &opts.CategoryID,
				} {
					if flags.Changed(name) {
						v, _ := flags.GetString(name)
						*dst = &v
					}
				}
				if flags.Changed("priority") {
					p := domain.Priority(priority)
					opts.Priority = &p
				}
				if flags.Changed("severity") {
					sv := domain.Severity(severity)
					opts.Severity = &sv
				}
				v, err := e.UpdateDefect(ctx, opts)
				if err != nil {
					return err
				}
				return printDefect(v)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&location, "location", "", "location on site")
	cmd.Flags().StringVar(&floor, "floor", "", "floor")
	cmd.Flags().StringVar(&room, "room", "", "room")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (cosmetic, minor, major, critical, blocking)")
	cmd.Flags().StringVar(&category, "category", "", "category id")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "refuse unless the defect is at this version (default: current)")
	return cmd
}

func defectCommentCmd() *cobra.Command {
	var opts engine.AddCommentOptions
	var kind string
	cmd := &cobra.Command{
		Use:   "comment <id|number>",
		Short: "Add a comment to a defect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DefectID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			opts.Kind = domain.CommentKind(kind)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				opts.DefectID = cur.Defect.ID
				c, err := e.AddComment(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("comment %d on %s\n", c.ID, cur.Defect.Number)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Body, "body", "", "comment text")
	cmd.Flags().StringVar(&kind, "kind", "comment", "comment, resolution or rejection")
	cmd.Flags().Int64Var(&opts.ReplyTo, "reply-to", 0, "id of the comment being answered")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func defectCommentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comments <id|number>",
		Short: "Show the comments on a defect, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetDefect(ctx, args[0])
				if err != nil {
					return err
				}
				comments, err := e.ListComments(ctx, cur.Defect.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(comments)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Author", "Kind", "Reply to", "Body"})
				for _, c := range comments {
					reply := ""
					if c.ReplyTo != nil {
						reply = fmt.Sprint(*c.ReplyTo)
					}
					tw.AppendRow(table.Row{c.ID, formatTime(&c.CreatedAt), c.AuthorID, c.Kind, reply, c.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func defectBulkCmd() *cobra.Command {
	var opts engine.BulkOptions
	var action string
	cmd := &cobra.Command{
		Use:   "bulk <id|number>...",
		Short: "Apply one action to many defects",
		Long:  "Actions: change_status (value is a status), assign (value is a user id), change_priority (value is a priority). Each defect is updated at its current version; failures are listed per defect.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Action = engine.BulkAction(action)
			for _, id := range args {
				opts.Targets = append(opts.Targets, engine.BulkTarget{ID: id})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.BulkUpdate(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(res.Items))
					for _, item := range res.Items {
						row := map[string]any{"id": item.ID, "ok": item.Err == nil}
						if item.Err != nil {
							row["error"] = item.Err.Error()
						} else {
							row["version"] = item.Defect.Version
						}
						out = append(out, row)
					}
					return printJSON(map[string]any{"updated": res.Updated, "results": out})
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Defect", "Result"})
				for _, item := range res.Items {
					if item.Err != nil {
						tw.AppendRow(table.Row{item.ID, item.Err.Error()})
						continue
					}
					tw.AppendRow(table.Row{item.Defect.Number, fmt.Sprintf("ok (version %d)", item.Defect.Version)})
				}
				tw.Render()
				fmt.Printf("%d of %d updated\n", res.Updated, len(res.Items))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "change_status, assign or change_priority")
	cmd.Flags().StringVar(&opts.Value, "value", "", "target status, assignee id or priority")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment recorded with status changes")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}
