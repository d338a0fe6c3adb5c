package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evac-planner/evac-planner/evac"
	"github.com/evac-planner/evac-planner/evac/bridge"
	"github.com/evac-planner/evac-planner/evac/coordinator"
	"github.com/evac-planner/evac-planner/evac/queue"
	"github.com/evac-planner/evac-planner/evac/telemetry"
)

var (
	natsURL      string
	metricsAddr  string
	autoApprove  bool
	templatePath string // intent YAML used as the template for queued requests
)

// defaultTemplate fills queued requests when no --template is given.
var defaultTemplate = evac.IntentSpec{
	Seed: 42,
	Constraints: evac.ScenarioConstraints{
		MaxScenarios:  6,
		ComputeBudget: 2 * time.Minute,
	},
	Preferences: evac.UserPreferences{Fairness: 0.3, Clearance: 0.5, Robustness: 0.2},
}

// serveCmd runs the queue dispatcher with the NATS bridge and metrics endpoint
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the simulation queue over NATS and run approved requests",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			logrus.Fatalf("Invalid config: %v", err)
		}
		if cmd.Flags().Changed("nats") {
			cfg.NATS.URL = natsURL
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Telemetry.Addr = metricsAddr
		}
		if cmd.Flags().Changed("auto-approve") {
			cfg.Queue.AutoApprove = autoApprove
		}
		template := defaultTemplate
		if templatePath != "" {
			if err := decodeStrict(templatePath, "template", &template); err != nil {
				logrus.Fatalf("%v", err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx, cfg, template); err != nil {
			logrus.Fatalf("Serve: %v", err)
		}
		logrus.Info("Shut down cleanly.")
	},
}

// serve blocks until ctx is done. Entries still queued at shutdown are cancelled.
func serve(ctx context.Context, cfg evac.Config, template evac.IntentSpec) error {
	tm := telemetry.New(cfg.Telemetry.Namespace)
	q := queue.New(queue.WithAutoApprove(cfg.Queue.AutoApprove), queue.WithTelemetry(tm))
	defer q.Close()

	var opts []coordinator.Option
	if cfg.NATS.URL != "" {
		nc, err := bridge.Connect(cfg.NATS)
		if err != nil {
			return err
		}
		defer drain(nc)
		if _, err := bridge.NewServer(q, cfg.NATS.SubjectPrefix, cfg.NATS.Timeout).Subscribe(nc); err != nil {
			return err
		}
		opts = append(opts, coordinator.WithEventHook(bridge.NewEventPublisher(nc, cfg.NATS.SubjectPrefix).Publish))
	} else {
		logrus.Warn("nats.url is empty; the queue only accepts requests from this process")
	}

	p, err := newPipeline(cfg, tm, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.close(); err != nil {
			logrus.Warnf("closing store: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Telemetry.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tm.Handler())
		srv := &http.Server{Addr: cfg.Telemetry.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logrus.Infof("metrics on http://%s/metrics", cfg.Telemetry.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		return coordinator.NewDispatcher(q, p.coord, coordinator.TemplateIntentBuilder(template)).Serve(gctx)
	})
	err = g.Wait()

	n, cerr := q.CancelAll(context.Background(), "shutdown")
	if cerr != nil {
		logrus.Warnf("cancelling queued entries: %v", cerr)
	} else if n > 0 {
		logrus.Infof("cancelled %d queued entr(ies) on shutdown", n)
	}
	return err
}

func drain(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		logrus.Warnf("draining NATS connection: %v", err)
		nc.Close()
	}
}

func init() {
	serveCmd.Flags().StringVar(&natsURL, "nats", "", "NATS server URL (overrides nats.url)")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics (overrides telemetry.addr)")
	serveCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Approve every queued request on arrival (overrides queue.auto_approve)")
	serveCmd.Flags().StringVar(&templatePath, "template", "", "Intent YAML used as the template for queued requests")
}
