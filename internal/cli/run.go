package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/buildtall-systems/orderflow/internal/api"
	"github.com/buildtall-systems/orderflow/internal/worker"
)

var runHTTP bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the order worker",
	Long: `Start the order worker. Polls the queue and runs each order through payment,
fulfillment and completion. The HTTP API is served alongside unless --http=false.`,
	RunE: runWorker,
}

func init() {
	runCmd.Flags().BoolVar(&runHTTP, "http", true, "serve the HTTP API alongside the worker")
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, needs{queue: true, notify: true})
	if err != nil {
		return err
	}
	defer a.Close()

	stopTracing := a.startTracing()
	defer stopTracing()

	proc := a.processor()
	d := worker.New(a.queue, proc, worker.Options{
		BatchSize:    a.cfg.Queue.BatchSize,
		WaitTime:     a.cfg.Queue.WaitTime,
		ErrorBackoff: a.cfg.Worker.ErrorBackoff,
		Concurrency:  a.cfg.Worker.Concurrency,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})

	a.logger.Info().Str("service", a.cfg.Service).Msg("orderflow starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	if runHTTP {
		srv := api.New(api.Options{
			Service:     a.cfg.Service,
			Store:       a.db,
			Intake:      a.intake(),
			Canceller:   proc,
			WorkerState: d.State,
			Metrics:     a.metrics,
			Logger:      a.logger,
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx, a.cfg.HTTP.Addr)
		})
	}

	err = g.Wait()
	a.logger.Info().Msg("orderflow stopped")
	return err
}
