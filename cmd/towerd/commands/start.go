package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ltwatch/towerd/config"
	"github.com/ltwatch/towerd/node"
)

// NewStartCmd returns the command that assembles and runs the tower until it
// is signalled to stop.
func NewStartCmd(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the tower",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(conf)
			if err != nil {
				return err
			}

			n, err := node.New(conf, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			logger.Info("caught signal, shutting down", "signal", sig.String())

			cancel()
			n.Wait()
			return nil
		},
	}
}
