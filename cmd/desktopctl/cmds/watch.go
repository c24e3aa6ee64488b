package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/desktopctl/pkg/events"
	"github.com/go-go-golems/desktopctl/pkg/fingerprint"
	"github.com/go-go-golems/desktopctl/pkg/metrics"
	"github.com/go-go-golems/desktopctl/pkg/scenario"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd() *cobra.Command {
	var (
		scenarioName string
		manifest     string
		metricsAddr  string
		settle       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a scenario loaded and report when its bundle manifest drifts",
		Long: "Loads the scenario, checks the manifest fingerprint on an interval and whenever the file changes,\n" +
			"and logs every state and staleness event. Optionally serves Prometheus metrics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			drafts, closeDrafts := openDrafts(opts)
			defer closeDrafts()

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}
			events.RegisterLogSink(bus)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			rec := metrics.NewRecorder(reg)

			sess, err := scenario.New(scenario.Options{
				Client:      c,
				Drafts:      drafts,
				Fingerprint: fingerprint.Func(manifest),
				Metrics:     rec,
				Config:      opts.File,
				SyncHooks:   events.SyncHooks(bus.Publisher),
				RunHooks:    events.RunHooks(bus.Publisher),
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return bus.Run(ctx)
			})
			select {
			case <-bus.Running():
			case <-ctx.Done():
				return eg.Wait()
			}

			loadCtx, cancelLoad := context.WithTimeout(ctx, opts.File.Server.Timeout)
			err = sess.Load(loadCtx, scenarioName)
			cancelLoad()
			if err != nil {
				log.Warn().Err(err).Str("scenario", scenarioName).Msg("scenario not loaded from server")
			}
			sync := sess.Synchronizer()
			sync.StartStalenessLoop()

			eg.Go(func() error {
				return fingerprint.Watch(ctx, manifest, settle, func() {
					checkCtx, cancel := context.WithTimeout(ctx, opts.File.Server.Timeout)
					defer cancel()
					if _, err := sync.CheckStaleness(checkCtx); err != nil {
						log.Warn().Err(err).Str("scenario", scenarioName).Msg("staleness check failed")
					}
				})
			})

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				eg.Go(func() error {
					log.Info().Str("addr", metricsAddr).Msg("serving metrics")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.Wrap(err, "metrics server")
					}
					return nil
				})
				eg.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			log.Info().Str("scenario", scenarioName).Str("manifest", manifest).Msg("watching")
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&scenarioName, "scenario", "", "Scenario name")
	cmd.Flags().StringVar(&manifest, "manifest", "", "Bundle manifest to fingerprint")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().DurationVar(&settle, "settle", 300*time.Millisecond, "Quiet period after a file change before re-checking")
	_ = cmd.MarkFlagRequired("scenario")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}
