package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canwork/jobescrow/internal/chain"
	"github.com/canwork/jobescrow/internal/config"
	"github.com/canwork/jobescrow/internal/logging"
	"github.com/canwork/jobescrow/internal/util"
	"github.com/canwork/jobescrow/internal/wallet"
)

// NewServeCmd keeps a wallet connection open and exports metrics until
// interrupted
func NewServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold the wallet connection and serve metrics and health",
		Long: `Run in the foreground: restore the user's wallet connection, log every
connection event, and serve /metrics and /healthz. The config file is
watched; log settings apply on save.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(func(a *app) error {
				if listen == "" {
					listen = a.cfg.Metrics.ListenAddr
				}
				if UserID != "" {
					m, err := a.walletManager(ctx)
					if err != nil {
						return err
					}
					logWalletEvents(m.Subscribe())
				}
				gw, err := a.chainClient()
				if err != nil {
					return err
				}

				mux := http.NewServeMux()
				mux.Handle("/metrics", a.metrics.Handler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					eps := gw.Endpoints()
					status := gatewayStatus(eps)
					w.Header().Set("Content-Type", "application/json")
					if status != "ok" {
						w.WriteHeader(http.StatusServiceUnavailable)
					}
					_ = json.NewEncoder(w).Encode(map[string]any{
						"status":    status,
						"version":   GetVersion(),
						"endpoints": eps,
					})
				})
				srv := &http.Server{
					Addr:              listen,
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				util.SafeGo("metrics-server", func() {
					logging.Info("metrics server starting", "addr", listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
				})

				path := ConfigPath
				if path == "" {
					path = config.DefaultConfigPath()
				}
				util.SafeGo("config-watch", func() {
					err := config.Watch(ctx, path, func(cfg *config.Config) {
						logging.Setup(os.Stderr, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
					})
					if err != nil {
						logging.Warn("config watch stopped", logging.Err(err))
					}
				})

				Success(fmt.Sprintf("Serving on %s, press Ctrl+C to stop", listen))
				select {
				case <-ctx.Done():
				case err := <-errCh:
					return fmt.Errorf("metrics server: %w", err)
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config)")
	return cmd
}

// logWalletEvents logs connection events until the subscription closes
// gatewayStatus is "ok" while at least one gateway endpoint is healthy
func gatewayStatus(eps []chain.EndpointHealth) string {
	for _, ep := range eps {
		if ep.Healthy {
			return "ok"
		}
	}
	return "degraded"
}

func logWalletEvents(sub *wallet.Subscription) {
	util.SafeGo("wallet-events", func() {
		for e := range sub.Events() {
			args := []any{"event", e.Type.String(), logging.WalletKind(string(e.Kind)), logging.Address(e.Address)}
			if e.Reason != "" {
				args = append(args, "reason", e.Reason)
			}
			if e.URI != "" {
				args = append(args, "uri", e.URI)
			}
			logging.Info("wallet event", args...)
		}
	})
}
