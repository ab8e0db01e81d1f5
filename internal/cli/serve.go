package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buildtall-systems/orderflow/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API without a worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, needs{queue: true, notify: true})
	if err != nil {
		return err
	}
	defer a.Close()

	stopTracing := a.startTracing()
	defer stopTracing()

	if a.cfg.Queue.Driver == "memory" {
		a.logger.Warn().Msg("memory queue: orders accepted here are only visible to this process")
	}

	srv := api.New(api.Options{
		Service:   a.cfg.Service,
		Store:     a.db,
		Intake:    a.intake(),
		Canceller: a.processor(),
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	return srv.ListenAndServe(ctx, a.cfg.HTTP.Addr)
}
