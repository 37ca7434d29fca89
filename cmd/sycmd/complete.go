package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/sycmd/internal/ycmd"
)

var (
	flagLine      int
	flagColumn    int
	flagFileTypes []string
	flagForce     bool
)

var completeCmd = &cobra.Command{
	Use:   "complete <file>",
	Short: "Request completion candidates at a position",
	Long: `Request completion candidates for a file at a 1-based line and column.

The file is read from disk and sent as the buffer contents. File types
default to the file extension when not given.

Examples:
  sycmd complete src/main.cpp --line 42 --column 10
  sycmd complete app.py --line 3 --column 8 --filetype python --force`,
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
		params.ForceSemantic = flagForce

		server, err := sess.server(ctx)
		if err != nil {
			return err
		}
		// Parse first so semantic engines have the buffer before the
		// completion request lands.
		if _, err := server.NotifyEvent(ctx, ycmd.EventFileReadyToParse, params); err != nil {
			sess.log.Debugw("parse notification failed", "error", err)
		}

		resp, err := server.Completions(ctx, params)
		if err != nil {
			return err
		}
		for _, e := range resp.Errors {
			fmt.Fprintf(os.Stderr, "completer: %s\n", e.Message)
		}
		for _, c := range resp.Completions {
			line := c.InsertionText
			if c.Kind != "" {
				line += "\t[" + c.Kind + "]"
			}
			if c.ExtraMenuInfo != "" {
				line += "\t" + c.ExtraMenuInfo
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	completeCmd.Flags().IntVar(&flagLine, "line", 1, "1-based line number")
	completeCmd.Flags().IntVar(&flagColumn, "column", 1, "1-based column number")
	completeCmd.Flags().StringSliceVar(&flagFileTypes, "filetype", nil, "buffer file types (default: file extension)")
	completeCmd.Flags().BoolVar(&flagForce, "force", false, "force semantic completion")
}

// fileParams reads the target file and assembles request parameters.
// It refuses files whose types the settings blacklist.
func fileParams(sess *session, path string) (ycmd.RequestParameters, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ycmd.RequestParameters{}, err
	}
	contents, err := os.ReadFile(abs)
	if err != nil {
		return ycmd.RequestParameters{}, fmt.Errorf("read %s: %w", path, err)
	}

	fileTypes := flagFileTypes
	if len(fileTypes) == 0 {
		if ext := strings.TrimPrefix(filepath.Ext(abs), "."); ext != "" {
			fileTypes = []string{ext}
		}
	}
	if !sess.settings.EnabledForFileTypes(fileTypes) {
		return ycmd.RequestParameters{}, fmt.Errorf("file types %v are disabled by the language filter", fileTypes)
	}

	return ycmd.RequestParameters{
		FilePath:     abs,
		FileContents: string(contents),
		FileTypes:    fileTypes,
		LineNum:      flagLine,
		ColumnNum:    flagColumn,
	}, nil
}
