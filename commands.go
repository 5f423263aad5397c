package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"wtw-bot/pkg/wtw"
)

// withStore opens the configured store for the duration of fn.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, st store) error) error {
	ctx := cmd.Context()
	st, closeStore, err := openStore(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, st)
}

func newPointsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "points",
		Short: "Inspect or adjust a user's points",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <user>",
		Short: "Print a user's points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st store) error {
				points, err := st.GetPoints(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), points)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <user> <points>",
		Short: "Overwrite a user's points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, err := strconv.Atoi(args[1])
			if err != nil {
				return &wtw.ValidationError{Field: "points", Value: args[1]}
			}
			return withStore(cmd, opts, func(ctx context.Context, st store) error {
				if err := st.SetPoints(ctx, args[0], points); err != nil {
					return err
				}
				opts.logger.Info("Points set", "user", args[0], "points", points)
				fmt.Fprintln(cmd.OutOrStdout(), points)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <user> <delta>",
		Short: "Add to (or subtract from) a user's points; totals never go below zero",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.Atoi(args[1])
			if err != nil {
				return &wtw.ValidationError{Field: "delta", Value: args[1]}
			}
			return withStore(cmd, opts, func(ctx context.Context, st store) error {
				total, err := st.AddPoints(ctx, args[0], delta)
				if err != nil {
					return err
				}
				opts.logger.Info("Points adjusted", "user", args[0], "delta", delta, "points", total)
				fmt.Fprintln(cmd.OutOrStdout(), total)
				return nil
			})
		},
	})
	return cmd
}

func newPostCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Inspect or remove tracked posts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Print a post's stored status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st store) error {
				status, found, err := st.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("post %s: %w", args[0], wtw.ErrNotFound)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], status)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Stop tracking a post and drop its subscribers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st store) error {
				if err := st.DeletePost(ctx, args[0]); err != nil {
					return err
				}
				opts.logger.Info("Post deleted", "post_id", args[0])
				return nil
			})
		},
	})
	return cmd
}

func newSubscribersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribers",
		Short: "Inspect solve-notification subscriptions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <post-id>",
		Short: "List users waiting for a post to be solved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, st store) error {
				names, err := st.ListSubscribers(ctx, args[0])
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	})
	return cmd
}
