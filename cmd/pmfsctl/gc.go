package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/pmlfs/pkg/pmbackend"
	"github.com/vorteil/pmlfs/pkg/pmfs"
)

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run garbage collection against a region.",
	}
	cmd.AddCommand(newGCRunCmd())
	return cmd
}

func newGCRunCmd() *cobra.Command {
	var (
		greedy bool
		commit bool
	)
	cmd := &cobra.Command{
		Use:   "run PATH",
		Short: "Select and relocate one victim segment.",
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

			policy := pmfs.PolicyCostBenefit
			if greedy {
				policy = pmfs.PolicyGreedy
			}

			relocated, victim, err := fs.GC.Run(pmfs.ModeFgGC, policy)
			if err != nil {
				return err
			}
			fs.Metrics.AddRelocated(relocated)
			view.Infof("gc: relocated %d blocks out of segment %d", relocated, uint32(victim))

			if commit {
				return fs.Checkpoint()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&greedy, "greedy", false, "use the greedy policy instead of cost-benefit")
	cmd.Flags().BoolVar(&commit, "checkpoint", false, "commit a normal checkpoint afterward")
	return cmd
}
