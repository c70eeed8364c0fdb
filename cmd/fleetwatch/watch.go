package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/fleetwatch/internal/lifecycle"
	"github.com/TheMichaelB/fleetwatch/internal/models"
	"github.com/TheMichaelB/fleetwatch/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow deployment and server state until interrupted",
	Long: `Watch loads the last saved state, opens the push event stream and keeps
every collection in sync, printing each change as it is applied.`,
	Example: `  fleetwatch watch
  fleetwatch watch --metrics-addr :9090
  fleetwatch watch --json`,
	RunE: runWatch,
}

var watchMetricsAddr string

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (overrides metrics.addr)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r := &renderer{latest: store.NewLatest()}
	id := apiClient.Store.AddListener(r.render)
	defer apiClient.Store.RemoveListener(id)

	addr := watchMetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.WithField("addr", addr).Info("Serving metrics")
	}

	if err := apiClient.Start(ctx); err != nil {
		if errors.Is(err, models.ErrNotAuthenticated) {
			return fmt.Errorf("not logged in, run 'fleetwatch login' first")
		}
		return err
	}
	if !jsonOutput {
		printInfo("Watching %s (Ctrl+C to stop)", cfg.API.BaseURL)
	}

	<-ctx.Done()
	if !jsonOutput {
		printWarning("Stopping...")
	}
	apiClient.Stop()
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", apiClient.Metrics.Handler())
	return mux
}

// renderer prints store changes. Events overtaken by a newer mutation of
// the same resource are skipped, so the last line printed per resource
// matches the store.
type renderer struct {
	mu     sync.Mutex
	latest *store.Latest
}

func (r *renderer) render(ev store.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.latest.Accept(ev) {
		return
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"type":       ev.Type,
			"collection": ev.Collection,
			"id":         ev.ID,
			"resource":   ev.Resource,
			"count":      len(ev.Items),
			"seq":        ev.Seq,
			"time":       time.Now(),
		})
		return
	}

	switch ev.Kind {
	case store.KindUpdated:
		fmt.Printf("%s %-14s %d loaded\n", time.Now().Format("15:04:05"), ev.Collection, len(ev.Items))
	case store.KindRemoved:
		fmt.Printf("%s %-14s %s removed\n", time.Now().Format("15:04:05"), ev.Collection, ev.ID)
	default:
		fmt.Printf("%s %-14s %s %s\n", time.Now().Format("15:04:05"), ev.Collection,
			stateLabel(lifecycle.Classify(ev.Collection, ev.Resource)), describe(ev.Resource))
	}
}

func describe(r models.Resource) string {
	out := r.ID
	if r.Name != "" {
		out = fmt.Sprintf("%s (%s)", r.Name, r.ID)
	}
	if r.EndpointURL != "" {
		out += " " + r.EndpointURL
	}
	if r.StatusMessage != "" {
		out += ": " + r.StatusMessage
	}
	return out
}
