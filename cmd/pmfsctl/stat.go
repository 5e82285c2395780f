package main

import (
	"fmt"
	"os"

	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
	"github.com/vorteil/pmlfs/pkg/pmfs"
)

func newStatCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stat PATH",
		Short: "Report segment and checkpoint counters.",
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

			snap := fs.Metrics.Collect(fs.SegMap, fs.SIT, fs.CM, model.Now())

			switch format {
			case "prom":
				return snap.WriteProm(os.Stdout)
			default:
				fmt.Printf("free segments:    %d\n", snap.FreeSegments)
				fmt.Printf("prefree segments: %d\n", snap.PrefreeSegments)
				fmt.Printf("valid blocks:     %d\n", snap.ValidBlocks)
				fmt.Printf("gc relocated:     %d\n", snap.GCRelocatedTotal)
				fmt.Printf("checkpoint ver:   %d\n", snap.CheckpointVersion)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or prom")
	return cmd
}
