package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nanopod/pkg/manager"
)

var pullCmd = &cobra.Command{
	Use:   "pull <image> <dir>",
	Short: "Unpack an image into a directory",
	Long: `Pull <image> and unpack its layers into <dir> without running anything.

The unpacked root gets a dev/null character device, and creating it needs
root or CAP_MKNOD. Without that privilege the pull fails at the device stage
after the layers have been unpacked.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := manager.NewManager(cfg, manager.WithLogger(logrus.WithField("component", "manager")))

		if err := mgr.Pull(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Image %s unpacked to %s\n", args[0], args[1])
		return nil
	},
}
