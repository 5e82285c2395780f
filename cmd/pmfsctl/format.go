package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
	"github.com/vorteil/pmlfs/pkg/pmfs"
)

func newFormatCmd() *cobra.Command {
	var (
		blockSize    int
		blocksPerSeg int
		segments     int
		orphanDir    string
	)

	cmd := &cobra.Command{
		Use:   "format PATH",
		Short: "Create and format a new region file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pmfs.FormatOptions{
				BlockSize:          blockSize,
				BlocksPerSeg:       blocksPerSeg,
				SegmentsPerSection: 1,
				TotalSegments:      segments,
				OrphanStagingDir:   orphanDir,
			}

			probe, err := pmfs.NewLayout(opts.BlockSize, opts.BlocksPerSeg, opts.SegmentsPerSection, opts.TotalSegments)
			if err != nil {
				return err
			}

			region, err := pmbackend.CreateFile(args[0], probe.RegionSize)
			if err != nil {
				return err
			}

			fs, err := pmfs.Format(region, opts, logrus.NewEntry(logrus.StandardLogger()))
			if err != nil {
				return err
			}
			defer fs.Unmount()

			view.Infof("formatted %s: %d segments, %d blocks/segment, %d-byte blocks", args[0], opts.TotalSegments, opts.BlocksPerSeg, opts.BlockSize)
			return nil
		},
	}

	cmd.Flags().IntVar(&blockSize, "block-size", 4096, "block size in bytes, power of two")
	cmd.Flags().IntVar(&blocksPerSeg, "blocks-per-segment", 64, "blocks per segment, power of two")
	cmd.Flags().IntVar(&segments, "segments", 64, "total number of segments")
	cmd.Flags().StringVar(&orphanDir, "orphan-staging-dir", "", "directory for orphan-inode staging (default: disabled)")

	return cmd
}
