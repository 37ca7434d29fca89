package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/sycmd/internal/ycmd"
)

var diagCmd = &cobra.Command{
	Use:   "diag <file>",
	Short: "Print the detailed diagnostic at a position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer sess.close(context.WithoutCancel(ctx))

		params, err := fileParams(sess, args[0])
		if err != nil {
			return err
		}

		server, err := sess.server(ctx)
		if err != nil {
			return err
		}
		if _, err := server.NotifyEvent(ctx, ycmd.EventFileReadyToParse, params); err != nil {
			sess.log.Debugw("parse notification failed", "error", err)
		}

		msg, err := server.DetailedDiagnostic(ctx, params)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

func init() {
	diagCmd.Flags().IntVar(&flagLine, "line", 1, "1-based line number")
	diagCmd.Flags().IntVar(&flagColumn, "column", 1, "1-based column number")
	diagCmd.Flags().StringSliceVar(&flagFileTypes, "filetype", nil, "buffer file types (default: file extension)")
}
