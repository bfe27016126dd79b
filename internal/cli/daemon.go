package cli

import (
	stderrors "errors"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/strandchain/strand/internal/node"
	"github.com/strandchain/strand/pkg/chain"
)

// healthCheckExitCode is returned when the node cannot reach 2/3 of its
// peers during startup.
const healthCheckExitCode = 110

var (
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		RunE:  runDaemon,
		Short: "run the consensus node",
	}
)

func runDaemon(cmd *cobra.Command, args []string) error {
	n, err := node.NewNode()
	if err != nil {
		return errors.Wrap(err, "initing node")
	}

	errCh := make(chan error)

	go func() {
		if err := n.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, chain.ErrHealthCheck) {
			os.Exit(healthCheckExitCode)
		}
		return err
	case <-waitExit():
		return n.Stop()
	}
}
