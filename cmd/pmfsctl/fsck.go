package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
	"github.com/vorteil/pmlfs/pkg/pmfs"
)

func newFsckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsck PATH",
		Short: "Mount a region, running crash recovery, then unmount.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := pmbackend.OpenFile(args[0])
			if err != nil {
				return err
			}
			fs, err := pmfs.Mount(region, 0, "", logrus.NewEntry(logrus.StandardLogger()))
			if err != nil {
				return err
			}
			defer fs.Unmount()

			info := fs.CM.LastInfo()
			view.Infof("%s: clean, head checkpoint version %d at addr %d", args[0], info.Version, uint64(info.Addr))
			return nil
		},
	}
	return cmd
}
