package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/acers/access"
	"github.com/jmcleod/acers/api"
	"github.com/jmcleod/acers/authzinfo"
	"github.com/jmcleod/acers/cnf"
	"github.com/jmcleod/acers/config"
	"github.com/jmcleod/acers/dtls"
	"github.com/jmcleod/acers/internal/clock"
	"github.com/jmcleod/acers/internal/util"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/popkey"
	"github.com/jmcleod/acers/tokenstore"
)

var (
	port           int
	dataDir        string
	trustedProxies []string
	debug          bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the resource server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Listen.HTTP = fmt.Sprintf(":%d", port)
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir = dataDir
		}
		cfg.HTTP.TrustedProxies = append(cfg.HTTP.TrustedProxies, trustedProxies...)

		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		store, closer, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("final snapshot failed", slog.String("error", err.Error()))
			}
		}()

		rs, err := newResourceServer(cfg, store, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printBanner()
		fmt.Printf("Loaded %d token(s) (data: %s)\n", store.Len(), cfg.DataDir)
		return rs.run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "HTTPS port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the token snapshot")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDRs or IPs of reverse proxies whose forwarding headers are honored")
	serverCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// openStore opens the configured snapshot backend and restores the token
// store from it.
func openStore(cfg *config.Config, logger *slog.Logger) (*tokenstore.Store, io.Closer, error) {
	crypto, err := cfg.CryptoContext()
	if err != nil {
		return nil, nil, err
	}
	snap, closer, err := cfg.Snapshotter()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open token storage: %w", err)
	}
	store, err := tokenstore.New(snap, cfg.Validator(),
		tokenstore.WithLogger(logger),
		tokenstore.WithResolver(cnf.NewResolver(crypto)))
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	return store, closer, nil
}

// resourceServer is the assembled server: both bindings over one store.
type resourceServer struct {
	cfg    *config.Config
	store  *tokenstore.Store
	api    *api.API
	dtls   *dtls.Server
	clock  clock.Clock
	logger *slog.Logger
}

func newResourceServer(cfg *config.Config, store *tokenstore.Store, logger *slog.Logger) (*resourceServer, error) {
	crypto, err := cfg.CryptoContext()
	if err != nil {
		return nil, err
	}
	validator := cfg.Validator()

	epOpts := []authzinfo.Option{authzinfo.WithLogger(logger)}
	inOpts := []access.Option{access.WithLogger(logger)}
	if intro := cfg.Introspector(logger); intro != nil {
		epOpts = append(epOpts, authzinfo.WithIntrospector(intro))
		inOpts = append(inOpts, access.WithIntrospector(intro))
	}
	endpoint := authzinfo.New(store, cfg.Issuers, validator, crypto, epOpts...)
	interceptor := access.New(store, cfg.ASInfo(), inOpts...)

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithIdentityHeader(cfg.HTTP.IdentityHeader),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("anomaly detected",
				slog.String("alert", string(e.Type)),
				slog.Int("count", e.Count),
				slog.String("message", e.Message))
		}),
	}
	if len(cfg.HTTP.TrustedProxies) > 0 {
		opt, err := api.WithTrustedProxies(cfg.HTTP.TrustedProxies)
		if err != nil {
			return nil, err
		}
		apiOpts = append(apiOpts, opt)
	}
	a := api.New(store, endpoint, interceptor, apiOpts...)

	lookup := popkey.New(store, endpoint, popkey.WithLogger(logger))
	d := dtls.New(lookup, endpoint, interceptor, dtls.WithLogger(logger))

	for name, body := range cfg.Resources {
		a.Handle(name, staticResource(body))
		d.Handle(name, staticDTLSResource(body))
	}

	return &resourceServer{
		cfg:    cfg,
		store:  store,
		api:    a,
		dtls:   d,
		clock:  clock.Real(),
		logger: logger,
	}, nil
}

func staticResource(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(body))
	})
}

func staticDTLSResource(body string) dtls.HandlerFunc {
	return func(_ context.Context, method string, _ []byte) (message.Code, []byte) {
		if method != http.MethodGet {
			return message.MethodNotAllowed, nil
		}
		return message.OK, []byte(body)
	}
}

func (rs *resourceServer) tlsConfig() (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if rs.cfg.HTTP.TLSCert != "" {
		cert, err = tls.LoadX509KeyPair(rs.cfg.HTTP.TLSCert, rs.cfg.HTTP.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// Client keys are authenticated by the tokens bound to them, not
		// by a CA.
		ClientAuth: tls.RequestClientCert,
	}, nil
}

// run serves both bindings and the sweep until ctx is done or a listener
// fails.
func (rs *resourceServer) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 2)
	listeners := 0

	var server *http.Server
	if rs.cfg.Listen.HTTP != "" {
		tlsConfig, err := rs.tlsConfig()
		if err != nil {
			return err
		}
		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", rs.api.Router())

		server = &http.Server{
			Addr:              rs.cfg.Listen.HTTP,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		listeners++
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("https server failed: %w", err)
				return
			}
			done <- nil
		}()
		fmt.Printf("Serving HTTPS on %s\n", rs.cfg.Listen.HTTP)
	}

	if rs.cfg.Listen.DTLS != "" {
		listeners++
		go func() {
			if err := rs.dtls.ListenAndServe(ctx, rs.cfg.Listen.DTLS); err != nil {
				done <- fmt.Errorf("dtls server failed: %w", err)
				return
			}
			done <- nil
		}()
		fmt.Printf("Serving DTLS on %s\n", rs.cfg.Listen.DTLS)
	}

	if rs.cfg.SweepInterval > 0 {
		go rs.sweepLoop(ctx, rs.cfg.SweepInterval)
	}

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	case runErr = <-done:
		listeners--
	}
	cancel()

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	if err := rs.dtls.Close(); err != nil && runErr == nil {
		runErr = err
	}
	for ; listeners > 0; listeners-- {
		if err := <-done; err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// sweepLoop purges expired tokens and stale rate-limit records every
// interval.
func (rs *resourceServer) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := rs.store.Sweep(rs.clock.Now())
			if err != nil {
				rs.logger.Error("token sweep failed", slog.String("error", err.Error()))
			} else if len(ids) > 0 {
				rs.logger.Info("expired tokens removed", slog.Int("count", len(ids)))
			}
			rs.api.SweepRateLimits()
		}
	}
}
