package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/sycmd/internal/ycmd"
)

var flagGotoCommand string

var gotoCmd = &cobra.Command{
	Use:   "goto <file>",
	Short: "Resolve the symbol at a position to its location",
	Long: `Resolve the symbol under the cursor to one or more locations.

The navigation command defaults to GoTo, which picks declaration or
definition depending on what the completer knows. Locations print as
file:line:column.

Examples:
  sycmd goto src/main.cpp --line 42 --column 10
  sycmd goto src/main.cpp --line 42 --column 10 --command GoToDeclaration`,
	Args: cobra.ExactArgs(1),
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

		locs, err := server.GoTo(ctx, flagGotoCommand, params)
		if err != nil {
			return err
		}
		for _, loc := range locs {
			if loc.Description != "" {
				fmt.Printf("%s:%d:%d\t%s\n", loc.FilePath, loc.LineNum, loc.ColumnNum, loc.Description)
				continue
			}
			fmt.Printf("%s:%d:%d\n", loc.FilePath, loc.LineNum, loc.ColumnNum)
		}
		return nil
	},
}

func init() {
	gotoCmd.Flags().IntVar(&flagLine, "line", 1, "1-based line number")
	gotoCmd.Flags().IntVar(&flagColumn, "column", 1, "1-based column number")
	gotoCmd.Flags().StringSliceVar(&flagFileTypes, "filetype", nil, "buffer file types (default: file extension)")
	gotoCmd.Flags().StringVar(&flagGotoCommand, "command", ycmd.CommandGoTo, "navigation command (GoTo, GoToDefinition, GoToDeclaration, GoToImprecise)")
}
