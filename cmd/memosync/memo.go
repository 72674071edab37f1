package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newMemoCmd(opts *rootOptions) *cobra.Command {
	memoCmd := &cobra.Command{
		Use:   "memo",
		Short: "Create, edit, and inspect memos on a running server",
	}

	addCmd := &cobra.Command{
		Use:   "add <text>...",
		Short: "Create a memo",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := client.CreateMemo(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s: %s\n", rec.ID, rec.Summary)
			return nil
		},
	}

	editCmd := &cobra.Command{
		Use:   "edit <id> <text>...",
		Short: "Replace a memo's text",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := client.UpdateMemo(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s: %s\n", rec.ID, rec.Summary)
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.DeleteMemo(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a memo as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := client.GetMemo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List your memos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			memos, err := client.ListMemos(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEDITED\tMIRRORED\tSUMMARY")
			for _, rec := range memos {
				mirrored := "no"
				if rec.ExternalRef != "" {
					mirrored = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.ID, rec.LastEditedAt.Time().Format(time.RFC3339), mirrored, rec.Summary)
			}
			return w.Flush()
		},
	}

	memoCmd.AddCommand(addCmd, editCmd, rmCmd, getCmd, lsCmd)
	return memoCmd
}

func newLinkCodeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link-code",
		Short: "Issue a one-time code for linking a chat account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			code, err := client.IssueLinkCode(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "send \"/link %s\" in chat before %s\n", code.Code, code.ExpiresAt.Time().Format(time.RFC3339))
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print sync counters and writeback queue depth (admin scope)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			status, err := client.SyncStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}
