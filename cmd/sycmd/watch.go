package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/sycmd/internal/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep a server running and restart it on settings changes",
	Long: `Start a server for the project root and hold it until interrupted.
Every --settings file is watched; after a change the settings are
re-resolved and the server restarts with the new configuration.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(flagSettings) == 0 {
			return fmt.Errorf("watch requires at least one --settings file")
		}

		sess, err := newSession()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		defer sess.close(context.WithoutCancel(ctx))

		if _, err := sess.server(ctx); err != nil {
			return err
		}

		reload := func() {
			settings, err := resolveSettings(flagSettings)
			if err != nil {
				sess.log.Warnw("settings reload failed", "error", err)
				return
			}
			handle, err := sess.manager.Restart(ctx, sess.root, settings.StartupConfig())
			if err != nil {
				sess.log.Warnw("restart after settings change failed", "error", err)
				return
			}
			sess.log.Infow("server restarted after settings change",
				"project_root", handle.ProjectRoot,
				"pid", handle.Pid,
				"port", handle.Port)
		}

		for _, path := range flagSettings {
			cleanup, err := config.Watch(ctx, path, sess.log, reload)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
		}

		fmt.Printf("serving %s; watching %d settings file(s), ctrl-c to stop\n", sess.root, len(flagSettings))
		<-ctx.Done()
		return nil
	},
}
