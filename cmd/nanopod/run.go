package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nanopod/pkg/manager"
)

var runCmd = &cobra.Command{
	Use:   "run <root-dir> <image> <command> [args...]",
	Short: "Run a command inside an image",
	Long: `Pull <image>, unpack it into a new scratch directory under <root-dir> and run
<command> there with its output relayed. Pass "" as <root-dir> to use the
configured scratch directory. Everything after <command> is passed to it
unchanged.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := manager.NewManager(cfg, manager.WithLogger(logrus.WithField("component", "manager")))

		code, err := mgr.Run(cmd.Context(), manager.RunRequest{
			RootDir: args[0],
			Image:   args[1],
			Command: args[2],
			Args:    args[3:],
		})
		if err != nil {
			return err
		}

		exitCode = code
		return nil
	},
}

func init() {
	// Flags after <root-dir> belong to the command being run.
	runCmd.Flags().SetInterspersed(false)
}
