package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rebase-inc/skillscanner/internal/tcp"
)

var (
	workerSocket  string
	workerHandler string
)

// workerCmd is the subprocess entry point spawned by the serve pool. Hidden:
// it only makes sense with the rendezvous socket and auth key the parent
// server provides.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Internal: pool worker subprocess",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerSocket == "" || workerHandler == "" {
			return fmt.Errorf("worker requires --socket and --handler")
		}
		return tcp.RunWorker(context.Background(), workerSocket, workerHandler)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerSocket, "socket", "", "Rendezvous unix socket path")
	workerCmd.Flags().StringVar(&workerHandler, "handler", "", "Registered handler name")
}
