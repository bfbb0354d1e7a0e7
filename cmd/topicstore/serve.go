package topicstore

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/topicstore/pkg/api"
	"github.com/edgeflare/topicstore/pkg/config"
	"github.com/edgeflare/topicstore/pkg/httputil"
	mw "github.com/edgeflare/topicstore/pkg/httputil/middleware"
	"github.com/edgeflare/topicstore/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the command API server",
	Long: `Serves POST /api/v1/commands/{name} and the websocket event stream at
GET /api/v1/events until interrupted. Running consumers are stopped on exit;
stored records are kept.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("listen", "l", "", "listen address")
	f.Bool("metrics", false, "serve Prometheus metrics")
	f.String("metrics-addr", "", "metrics listen address")
	v.BindPFlag("server.listenAddr", f.Lookup("listen"))
	v.BindPFlag("metrics.enabled", f.Lookup("metrics"))
	v.BindPFlag("metrics.addr", f.Lookup("metrics-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger,
		})
	}

	r := newRouter(cfg, a, logger)
	errc := make(chan error, 1)
	go func() { errc <- r.ListenAndServe(cfg.Server.ListenAddr) }()

	select {
	case <-ctx.Done():
		logger.Info("received termination signal, shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()
	return nil
}

// newRouter mounts the health check and the command API. CORS applies to
// every route; basic auth guards /api/v1 once users are configured.
func newRouter(cfg *config.Config, a *app, logger *zap.Logger) *httputil.Router {
	opts := []httputil.RouterOptions{httputil.WithLogger(logger)}
	if cfg.Server.TLS.CertFile != "" {
		opts = append(opts, httputil.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	r := httputil.NewRouter(opts...)
	r.Use(mw.RequestID, mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger.Named("http")}), mw.CORSWithOptions(cfg.Server.CORS))
	r.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	apiGroup := r.Group("/api/v1")
	if len(cfg.Server.BasicAuth) > 0 {
		apiGroup.Use(mw.VerifyBasicAuth(mw.BasicAuthCreds(cfg.Server.Credentials())))
	}
	api.NewHandlers(a.dispatcher, a.bus, checkOrigin(cfg.Server.CORS)).Register(apiGroup)
	return r
}

// checkOrigin applies the CORS origin list to websocket handshakes.
func checkOrigin(opts *mw.CORSOptions) func(*http.Request) bool {
	if opts == nil || slices.Contains(opts.AllowedOrigins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(opts.AllowedOrigins, origin)
	}
}
