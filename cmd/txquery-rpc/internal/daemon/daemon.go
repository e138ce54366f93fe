package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	runtimePprof "runtime/pprof"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	supporthttp "github.com/stellar/go/support/http"
	supportlog "github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/config"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon/interfaces"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/db"
)

const (
	defaultReadTimeout         = 5 * time.Second
	defaultShutdownGracePeriod = 10 * time.Second
)

type Daemon struct {
	db              *db.DB
	jsonRPCHandler  *internal.Handler
	logger          *supportlog.Entry
	listener        net.Listener
	server          *http.Server
	adminListener   net.Listener
	adminServer     *http.Server
	closeOnce       sync.Once
	closeError      error
	done            chan struct{}
	metricsRegistry *prometheus.Registry
}

func (d *Daemon) GetDB() *db.DB {
	return d.db
}

func (d *Daemon) GetEndpointAddrs() (net.TCPAddr, *net.TCPAddr) {
	addr := d.listener.Addr().(*net.TCPAddr)
	var adminAddr *net.TCPAddr
	if d.adminListener != nil {
		adminAddr = d.adminListener.Addr().(*net.TCPAddr)
	}
	return *addr, adminAddr
}

func (d *Daemon) close() {
	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), defaultShutdownGracePeriod)
	defer shutdownRelease()
	var closeErrors []error

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.WithError(err).Error("error during JSON RPC server Shutdown")
		closeErrors = append(closeErrors, err)
	}
	if d.adminServer != nil {
		if err := d.adminServer.Shutdown(shutdownCtx); err != nil {
			d.logger.WithError(err).Error("error during admin server Shutdown")
			closeErrors = append(closeErrors, err)
		}
	}
	d.jsonRPCHandler.Close()
	if err := d.db.Close(); err != nil {
		d.logger.WithError(err).Error("Error closing db")
		closeErrors = append(closeErrors, err)
	}
	d.closeError = errors.Join(closeErrors...)
	close(d.done)
}

func (d *Daemon) Close() error {
	d.closeOnce.Do(d.close)
	return d.closeError
}

// OpenDB opens the SQLite database, retrying with exponential backoff for up
// to cfg.DBOpenTimeout, e.g. while the loader still holds the write lock.
func OpenDB(cfg *config.Config, logger *supportlog.Entry, registry *prometheus.Registry) (*db.DB, error) {
	var dbConn *db.DB
	open := func() error {
		var err error
		if registry != nil {
			dbConn, err = db.OpenSQLiteDBWithPrometheusMetrics(cfg.SQLiteDBPath, interfaces.PrometheusNamespace, "db", registry)
		} else {
			dbConn, err = db.OpenSQLiteDB(cfg.SQLiteDBPath)
		}
		return err
	}
	onRetry := func(err error, dur time.Duration) {
		logger.WithError(err).
			WithField("path", cfg.SQLiteDBPath).
			WithField("retry_in", dur).
			Warn("could not open database. Retrying")
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if cfg.DBOpenTimeout > 0 {
		exponential := backoff.NewExponentialBackOff()
		exponential.MaxElapsedTime = cfg.DBOpenTimeout
		policy = exponential
	}
	if err := backoff.RetryNotify(open, policy, onRetry); err != nil {
		return nil, err
	}
	return dbConn, nil
}

func MustNew(cfg *config.Config, logger *supportlog.Entry) *Daemon {
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == config.LogFormatJSON {
		logger.UseJSONFormatter()
	}

	logger.WithFields(supportlog.F{
		"version": config.Version,
		"commit":  config.CommitHash,
	}).Info("starting txquery-rpc")

	metricsRegistry := prometheus.NewRegistry()
	dbConn, err := OpenDB(cfg, logger, metricsRegistry)
	if err != nil {
		logger.WithError(err).Fatal("could not open database")
	}

	daemon := &Daemon{
		logger:          logger,
		db:              dbConn,
		done:            make(chan struct{}),
		metricsRegistry: metricsRegistry,
	}

	jsonRPCHandler := internal.NewJSONRPCHandler(cfg, internal.HandlerParams{
		Daemon:            daemon,
		Logger:            logger,
		TransactionReader: db.NewTransactionReader(logger, dbConn, daemon, cfg.OwnedTransactionsBatch),
	})

	httpHandler := supporthttp.NewAPIMux(logger)
	httpHandler.Handle("/", jsonRPCHandler)

	daemon.jsonRPCHandler = &jsonRPCHandler

	// Use a separate listener in order to obtain the actual TCP port
	// when using dynamic ports during testing (e.g. endpoint="localhost:0")
	daemon.listener, err = net.Listen("tcp", cfg.Endpoint)
	if err != nil {
		daemon.logger.WithError(err).WithField("endpoint", cfg.Endpoint).Fatal("cannot listen on endpoint")
	}
	daemon.server = &http.Server{
		Handler:     httpHandler,
		ReadTimeout: defaultReadTimeout,
	}
	if cfg.AdminEndpoint != "" {
		adminMux := supporthttp.NewMux(logger)
		adminMux.HandleFunc("/debug/pprof/", pprof.Index)
		adminMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		adminMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		adminMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		adminMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		// add the entry points for:
		// goroutine, threadcreate, heap, allocs, block, mutex
		for _, profile := range runtimePprof.Profiles() {
			adminMux.Handle("/debug/pprof/"+profile.Name(), pprof.Handler(profile.Name()))
		}
		adminMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
		daemon.adminListener, err = net.Listen("tcp", cfg.AdminEndpoint)
		if err != nil {
			daemon.logger.WithError(err).WithField("endpoint", cfg.AdminEndpoint).Fatal("cannot listen on admin endpoint")
		}
		daemon.adminServer = &http.Server{Handler: adminMux, ReadTimeout: defaultReadTimeout}
	}
	daemon.registerMetrics()
	return daemon
}

func (d *Daemon) serve(server *http.Server, listener net.Listener, name string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("server", name).Errorf("panic while serving: %v", r)
			_ = d.Close()
		}
	}()
	if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		d.logger.WithError(err).WithField("server", name).Error("server encountered fatal error")
		_ = d.Close()
	}
}

// Run serves until Close is called or SIGINT/SIGTERM is received.
func (d *Daemon) Run() {
	d.logger.WithFields(supportlog.F{
		"addr": d.listener.Addr().String(),
	}).Info("starting HTTP server")
	go d.serve(d.server, d.listener, "json-rpc")

	if d.adminServer != nil {
		d.logger.WithFields(supportlog.F{
			"addr": d.adminListener.Addr().String(),
		}).Info("starting Admin HTTP server")
		go d.serve(d.adminServer, d.adminListener, "admin")
	}

	// Shutdown gracefully when we receive an interrupt signal.
	// First server.Shutdown closes all open listeners, then closes all idle connections.
	// Finally, it waits a grace period (10s here) for connections to return to idle and then shut down.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case <-signals:
		_ = d.Close()
	case <-d.done:
		return
	}
}
