package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/owenstuckman/orbit-engine/internal/config"
	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/httpapi"
	"github.com/owenstuckman/orbit-engine/internal/otel"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		dev        bool
		enableOtel bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Orbit HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			var metricsHandler http.Handler
			if enableOtel {
				metricsHandler, err = otel.InitMeterProvider(cmd.Context(), "orbit")
				if err != nil {
					slog.Warn("metrics init failed, continuing without", "err", err)
				} else if err := otel.InitMetrics(cmd.Context()); err != nil {
					slog.Warn("metric instruments init failed", "err", err)
				}
			}

			app, err := httpapi.NewApp(httpapi.ServerOptions{
				Home:           home,
				Addr:           cfg.Server.Addr,
				Dev:            dev,
				APIKey:         cfg.Server.APIKey,
				DBDriver:       cfg.Store.Driver,
				DBURL:          cfg.Store.DSN,
				MetricsHandler: metricsHandler,
				UseOtelHTTP:    enableOtel && metricsHandler != nil,
				Confidence: confidence.Opts{
					BaseURL: cfg.Confidence.BaseURL,
					APIKey:  cfg.Confidence.APIKey,
					Timeout: cfg.ConfidenceTimeout(),
				},
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				slog.Info("orbit daemon listening", "addr", cfg.Server.Addr)
				errCh <- app.Server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return app.Server.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config.yaml)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode (CORS for a local UI)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")
	return cmd
}
