// Package daemon composes the store, settlement services, background
// jobs, and HTTP API into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/stipend-network/stipend/internal/api"
	"github.com/stipend-network/stipend/internal/app/hold"
	"github.com/stipend-network/stipend/internal/app/reconcile"
	"github.com/stipend-network/stipend/internal/app/settlement"
	"github.com/stipend-network/stipend/internal/infra/notify"
	"github.com/stipend-network/stipend/internal/infra/provider"
	"github.com/stipend-network/stipend/internal/infra/sqlite"
)

// shutdownGrace bounds how long in-flight requests and queued
// notifications get during shutdown.
const shutdownGrace = 15 * time.Second

// Daemon owns every long-lived component of the process.
type Daemon struct {
	cfg    Config
	store  *sqlite.DB
	holds  *hold.Manager
	settle *settlement.Service
	jobs   *reconcile.Runner
	queue  *notify.Queue
	http   *http.Server
}

// New wires the full component graph from cfg. Nothing starts running
// until Run.
func New(cfg Config) (*Daemon, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create data dir: %w", err)
	}
	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	holds := hold.NewManager(store)
	queue := notify.NewQueue(cfg.Notify.Buffer, notify.LogSink)

	scfg := cfg.SettlementConfig()
	verifiers := provider.NewVerifierSet(provider.VerifierConfig{
		BaseURL: cfg.Providers.Verifier.BaseURL,
		Secret:  cfg.Providers.Verifier.Secret,
		Timeout: scfg.ProviderTimeout,
	})
	payments := provider.NewPaymentClient(provider.PaymentConfig{
		BaseURL: cfg.Providers.Payment.BaseURL,
		Secret:  cfg.Providers.Payment.Secret,
		Timeout: scfg.ProviderTimeout,
	})
	vendor := provider.NewVendingClient(provider.VendingConfig{
		BaseURL: cfg.Providers.Vending.BaseURL,
		Secret:  cfg.Providers.Vending.Secret,
		Timeout: scfg.ProviderTimeout,
	})

	settle := settlement.New(store, holds, verifiers, payments, vendor, queue, scfg)
	jobs := reconcile.StandardJobs(holds, settle, cfg.JobsConfig())

	srv := api.NewServer(settle, store)
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}
	if cfg.Webhook.Secret != "" {
		srv.SetWebhookSecret([]byte(cfg.Webhook.Secret))
	}

	return &Daemon{
		cfg:    cfg,
		store:  store,
		holds:  holds,
		settle: settle,
		jobs:   jobs,
		queue:  queue,
		http: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled, then shuts down in order: HTTP
// listener, background jobs, notification queue, store.
func (d *Daemon) Run(ctx context.Context) error {
	// The expiry index is in-memory; reseed it from the store so
	// holds reserved before the last restart still get swept.
	if err := d.holds.RebuildIndex(ctx); err != nil {
		return fmt.Errorf("daemon: rebuild hold index: %w", err)
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	d.jobs.Start(jobCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("daemon: listening on %s", d.http.Addr)
		if err := d.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := d.http.Shutdown(shutdownCtx); err != nil {
		log.Printf("daemon: http shutdown: %v", err)
	}
	cancelJobs()
	d.jobs.Wait()
	d.queue.Close(shutdownCtx)
	if err := d.store.Close(); err != nil {
		log.Printf("daemon: close store: %v", err)
	}
	log.Printf("daemon: stopped")
	return serveErr
}

// RunJob triggers one named reconciliation job immediately, for the
// CLI's one-shot maintenance commands.
func (d *Daemon) RunJob(ctx context.Context, name string) error {
	if err := d.holds.RebuildIndex(ctx); err != nil {
		return err
	}
	return d.jobs.RunOnce(ctx, name)
}

// JobNames lists the registered reconciliation jobs.
func (d *Daemon) JobNames() []string { return d.jobs.JobNames() }

// Close releases resources without a graceful drain. Run performs its
// own shutdown; Close is for composition roots that never ran.
func (d *Daemon) Close() error {
	d.queue.Close(context.Background())
	return d.store.Close()
}
