package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/sycmd/internal/ycmd"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Start a server, verify it is healthy, and report its state",
	Long: `Start a server for the project root, wait for readiness, print its
pid, port, and debug information, then shut it down. Useful for
verifying an installation and settings file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := newSession()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer sess.close(context.WithoutCancel(ctx))

		server, err := sess.server(ctx)
		if err != nil {
			return err
		}

		handle := server.Handle()
		fmt.Printf("project root: %s\n", handle.ProjectRoot)
		fmt.Printf("pid:          %d\n", handle.Pid)
		fmt.Printf("port:         %d\n", handle.Port)
		fmt.Printf("status:       %s\n", handle.Status)
		fmt.Printf("healthy:      %t\n", server.IsHealthy(ctx))

		info, err := server.DebugInfo(ctx, probeParams(handle.ProjectRoot))
		if err != nil {
			sess.log.Debugw("debug info unavailable", "error", err)
			return nil
		}
		fmt.Printf("debug info:   %s\n", info)
		return nil
	},
}

// probeParams builds a minimal request body for handlers that need a
// position but no real buffer.
func probeParams(root string) ycmd.RequestParameters {
	return ycmd.RequestParameters{
		FilePath:  filepath.Join(root, "."),
		FileTypes: []string{"generic"},
		LineNum:   1,
		ColumnNum: 1,
	}
}
