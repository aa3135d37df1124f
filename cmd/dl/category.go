package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"defectline/internal/engine"
)

func categoryCmd() *cobra.Command {
	c := &cobra.Command{Use: "category", Short: "Manage defect categories"}
	c.AddCommand(categoryAddCmd())
	c.AddCommand(categoryListCmd())
	c.AddCommand(categoryRemoveCmd())
	return c
}

func categoryAddCmd() *cobra.Command {
	var opts engine.CreateCategoryOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a category (managers only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCategory(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("category %s (%s)\n", c.ID, c.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "category id (derived from the name when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Color, "color", "", "#RRGGBB")
	cmd.Flags().IntVar(&opts.SortOrder, "sort", 0, "sort order")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func categoryListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cats, err := e.ListCategories(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cats)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Color", "Sort", "Active"})
				for _, c := range cats {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Color, c.SortOrder, c.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive categories")
	return cmd
}

func categoryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Retire a category no defect uses (managers only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeactivateCategory(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("category %s deactivated\n", args[0])
				return nil
			})
		},
	}
}
