package main

import (
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vorteil/pmlfs/pkg/pmlog"
)

var (
	view      = pmlog.CLI{}
	cfgFile   string
	verbose   bool
	debugFlag bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pmfsctl",
		Short:         "Format, inspect and garbage-collect a pmlfs region.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			view.IsVerbose = verbose
			view.IsDebug = debugFlag
			logrus.SetFormatter(&view)
			return initConfig()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.pmfsctl.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "debug output")
	_ = viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))

	root.AddCommand(newFormatCmd())
	root.AddCommand(newFsckCmd())
	root.AddCommand(newCheckpointCmd())
	root.AddCommand(newGCCmd())
	root.AddCommand(newStatCmd())
	root.AddCommand(newServeCmd())

	return root
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return err
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".pmfsctl")
	}
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // absence of a config file is not an error
	return nil
}
