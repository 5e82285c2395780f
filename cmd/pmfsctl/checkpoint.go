package main

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
	"github.com/vorteil/pmlfs/pkg/pmfs"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and export checkpoints.",
	}
	cmd.AddCommand(newCheckpointLsCmd())
	cmd.AddCommand(newCheckpointRmCmd())
	cmd.AddCommand(newCheckpointExportCmd())
	return cmd
}

func newCheckpointLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls PATH",
		Short: "List known checkpoint versions.",
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

			for _, info := range fs.CM.ListCheckpoints() {
				fmt.Printf("%d\t%d\n", info.Version, uint64(info.Addr))
			}
			return nil
		},
	}
}

func newCheckpointRmCmd() *cobra.Command {
	var version uint32
	cmd := &cobra.Command{
		Use:   "rm PATH",
		Short: "Delete a checkpoint by splicing it out of the on-media ring.",
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
			return fs.CM.DeleteCheckpoint(version)
		},
	}
	cmd.Flags().Uint32Var(&version, "version", 0, "checkpoint version to drop")
	return cmd
}

func newCheckpointExportCmd() *cobra.Command {
	var (
		format  string
		destDir string
	)
	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Export a snapshot of the region as gzip or qcow2.",
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

			name := filepath.Base(args[0])
			switch format {
			case "qcow2":
				return pmfs.ExportQcow2(destDir, name, fs.Region.Bytes())
			case "gzip":
				out, cerr := createFile(filepath.Join(destDir, name+".gz"))
				if cerr != nil {
					return cerr
				}
				defer out.Close()
				return pmfs.ExportGzip(out, fs.Region.Bytes())
			default:
				return fmt.Errorf("unknown export format %q", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "gzip", "export format: gzip or qcow2")
	cmd.Flags().StringVar(&destDir, "dest", ".", "destination directory")
	return cmd
}
