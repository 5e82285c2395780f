package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
	"github.com/vorteil/pmlfs/pkg/pmfs"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve PATH",
		Short: "Mount a region and run the background GC worker until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := pmbackend.OpenFile(args[0])
			if err != nil {
				return err
			}

			cfg, err := pmfs.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			fs, err := pmfs.MountWithOptions(region, cfg.Mount, "", logrus.NewEntry(logrus.StandardLogger()))
			if err != nil {
				return err
			}
			defer fs.Unmount()

			fs.Worker = pmfs.NewWorker(fs.GC, fs.SegMap, fs.CM, cfg.ToWorkerConfig(), logrus.NewEntry(logrus.StandardLogger()))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			view.Infof("serving %s: background gc worker running, ctrl-c to stop", args[0])
			if err := fs.Worker.Run(ctx); err != nil {
				return err
			}

			if fs.ReadOnly() {
				return nil
			}
			return fs.Checkpoint()
		},
	}
	return cmd
}
