package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/tcp"
)

var (
	serveAddress     string
	servePort        int
	serveParallel    bool
	serveWorkers     int
	serveIdleTimeout int
	serveHandler     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the callback TCP server",
	Long: `Serves framed-JSON requests over TCP through a named handler. With
--parallel, handling is offloaded to a pool of on-demand worker subprocesses
that rendezvous over a unix socket.

The default handler is the local relevance oracle: it answers
{"module": "requests"} with {"impact": N}, where N counts population
leaderboard markers naming the module.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Listen address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().BoolVar(&serveParallel, "parallel", true, "Offload handling to worker subprocesses")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Worker pool size (0 = one per CPU)")
	serveCmd.Flags().IntVar(&serveIdleTimeout, "idle-timeout", 0, "Worker idle timeout in seconds")
	serveCmd.Flags().StringVar(&serveHandler, "handler", defaultHandlerName,
		fmt.Sprintf("Registered handler to serve (one of %v)", tcp.HandlerNames()))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	handler, ok := tcp.LookupHandler(serveHandler)
	if !ok {
		return fmt.Errorf("unknown handler %q (registered: %v)", serveHandler, tcp.HandlerNames())
	}

	opts := tcp.ServerOptions{
		Address:           cfg.Server.Address,
		Port:              cfg.Server.Port,
		Handler:           handler,
		HandlerName:       serveHandler,
		Memoized:          cfg.Server.Memoized,
		MemoCacheSize:     cfg.Server.MemoCacheSize,
		Parallel:          cfg.Server.Parallel && serveParallel,
		Workers:           cfg.Server.Workers,
		WorkerIdleTimeout: time.Duration(cfg.Server.WorkerIdleTimeoutSecs) * time.Second,
	}
	if cmd.Flags().Changed("address") {
		opts.Address = serveAddress
	}
	if cmd.Flags().Changed("port") {
		opts.Port = servePort
	}
	if cmd.Flags().Changed("parallel") {
		opts.Parallel = serveParallel
	}
	if cmd.Flags().Changed("workers") {
		opts.Workers = serveWorkers
	}
	if cmd.Flags().Changed("idle-timeout") {
		opts.WorkerIdleTimeout = time.Duration(serveIdleTimeout) * time.Second
	}

	return tcp.NewCallbackServer(opts).Run(ctx)
}
