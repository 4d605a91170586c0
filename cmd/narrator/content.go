package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexusnarrative/narrator/internal/config"
	"github.com/nexusnarrative/narrator/internal/schema"
)

func newContentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "content",
		Short: "Manage generated content tables",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file")

	withStore := func(run func(cmd *cobra.Command, store *schema.ReviewStore, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			repo, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()
			return run(cmd, schema.NewReviewStore(repo.DB(), repo.Dialect()), args)
		}
	}

	var statusFilter string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list <table>",
		Short: "List generated rows",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *schema.ReviewStore, args []string) error {
			rows, err := store.List(cmd.Context(), args[0], statusFilter, limit)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rows, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}),
	}
	listCmd.Flags().StringVar(&statusFilter, "status", "", "filter by review status")
	listCmd.Flags().IntVar(&limit, "limit", 10, "maximum rows")

	showCmd := &cobra.Command{
		Use:   "show <table> <id>",
		Short: "Print one generated row",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *schema.ReviewStore, args []string) error {
			id, err := parseRowID(args[1])
			if err != nil {
				return err
			}
			row, err := store.GetByID(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(row, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		}),
	}

	var tags []string
	var rating int
	tagCmd := &cobra.Command{
		Use:   "tag <table> <id>",
		Short: "Set tags and/or a rating on a row",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *schema.ReviewStore, args []string) error {
			id, err := parseRowID(args[1])
			if err != nil {
				return err
			}
			var ratingPtr *int
			if cmd.Flags().Changed("rating") {
				ratingPtr = &rating
			}
			var tagList []string
			if cmd.Flags().Changed("tags") {
				tagList = tags
			}
			return store.UpdateMetadata(cmd.Context(), args[0], id, tagList, ratingPtr)
		}),
	}
	tagCmd.Flags().StringSliceVar(&tags, "tags", nil, "tags to set")
	tagCmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")

	reviewCmd := &cobra.Command{
		Use:   "review <table> <id> <pending|approved|rejected>",
		Short: "Set a row's review status",
		Args:  cobra.ExactArgs(3),
		RunE: withStore(func(cmd *cobra.Command, store *schema.ReviewStore, args []string) error {
			id, err := parseRowID(args[1])
			if err != nil {
				return err
			}
			return store.UpdateReview(cmd.Context(), args[0], id, strings.ToLower(args[2]))
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <table> <id>",
		Short: "Delete a generated row",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *schema.ReviewStore, args []string) error {
			id, err := parseRowID(args[1])
			if err != nil {
				return err
			}
			return store.Delete(cmd.Context(), args[0], id)
		}),
	}

	var target string
	promoteCmd := &cobra.Command{
		Use:   "promote <table> <id>",
		Short: "Copy a reviewed row into a production table",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, store *schema.ReviewStore, args []string) error {
			id, err := parseRowID(args[1])
			if err != nil {
				return err
			}
			dest := target
			if dest == "" {
				dest = strings.TrimPrefix(args[0], "potential_")
			}
			newID, err := store.Promote(cmd.Context(), args[0], dest, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %s/%d to %s/%d\n", args[0], id, dest, newID)
			return nil
		}),
	}
	promoteCmd.Flags().StringVar(&target, "target", "", "destination table (default: source without the potential_ prefix)")

	cmd.AddCommand(listCmd, showCmd, tagCmd, reviewCmd, deleteCmd, promoteCmd)
	return cmd
}

func parseRowID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid row id %q", raw)
	}
	return id, nil
}
