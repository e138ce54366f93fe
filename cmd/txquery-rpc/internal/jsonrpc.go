package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/stellar/go/support/log"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/config"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon/interfaces"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/db"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/methods"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/query"
)

// Handler is the HTTP handler which serves the JSON RPC methods
type Handler struct {
	bridge jhttp.Bridge
	logger *log.Entry
	http.Handler
}

// Close closes all the resources held by the Handler instances.
// After Close is called the Handler instance will stop accepting JSON RPC requests.
func (h Handler) Close() {
	if err := h.bridge.Close(); err != nil {
		h.logger.WithError(err).Warn("could not close bridge")
	}
}

type HandlerParams struct {
	TransactionReader db.TransactionReader
	Logger            *log.Entry
	Daemon            interfaces.Daemon
}

func decorateHandlers(daemon interfaces.Daemon, logger *log.Entry, timeout time.Duration, m handler.Map) handler.Map {
	requestMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  daemon.MetricsNamespace(),
		Subsystem:  "json_rpc",
		Name:       "request_duration_seconds",
		Help:       "JSON RPC request duration",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"endpoint", "status"})
	decorated := handler.Map{}
	for endpoint, h := range m {
		h := h
		decorated[endpoint] = func(ctx context.Context, r *jrpc2.Request) (interface{}, error) {
			reqID := strconv.FormatUint(middleware.NextRequestID(), 10)
			logRequest(logger, reqID, r)
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			startTime := time.Now()
			result, err := h(ctx, r)
			duration := time.Since(startTime)
			label := prometheus.Labels{"endpoint": r.Method(), "status": "ok"}
			if err != nil {
				label["status"] = "error"
			}
			requestMetric.With(label).Observe(duration.Seconds())
			logResponse(logger, reqID, duration, label["status"], result)
			return result, err
		}
	}
	daemon.MetricsRegistry().MustRegister(requestMetric)
	return decorated
}

func logRequest(logger *log.Entry, reqID string, req *jrpc2.Request) {
	logger = logger.WithFields(log.F{
		"subsys":   "jsonrpc",
		"req":      reqID,
		"json_req": req.ID(),
		"method":   req.Method(),
	})
	logger.Info("starting JSONRPC request")

	// Params are useful but can be really verbose, let's only print them in debug level
	logger = logger.WithField("params", req.ParamString())
	logger.Debug("starting JSONRPC request params")
}

func logResponse(logger *log.Entry, reqID string, duration time.Duration, status string, response any) {
	logger = logger.WithFields(log.F{
		"subsys":   "jsonrpc",
		"req":      reqID,
		"duration": duration.String(),
		"status":   status,
	})
	logger.Info("finished JSONRPC request")

	if status == "ok" {
		responseBytes, err := json.Marshal(response)
		if err == nil {
			// the result is useful but can be really verbose, let's only print it with debug level
			logger = logger.WithField("result", string(responseBytes))
			logger.Debug("finished JSONRPC request result")
		}
	}
}

// NewJSONRPCHandler constructs a Handler instance
func NewJSONRPCHandler(cfg *config.Config, params HandlerParams) Handler {
	bridgeOptions := jhttp.BridgeOptions{
		Server: &jrpc2.ServerOptions{
			Logger: func(text string) { params.Logger.Debug(text) },
		},
	}
	store := query.New(params.TransactionReader)
	handlers := []struct {
		methodName        string
		underlyingHandler jrpc2.Handler
	}{
		{
			methodName:        "getHealth",
			underlyingHandler: methods.NewHealthCheck(cfg.BlockRetentionWindow, params.TransactionReader),
		},
		{
			methodName:        "getTransaction",
			underlyingHandler: methods.NewGetTransactionHandler(params.Logger, store, params.TransactionReader),
		},
		{
			methodName:        "getTransactionReceipts",
			underlyingHandler: methods.NewGetTransactionReceiptsHandler(params.Logger, store, params.TransactionReader),
		},
		{
			methodName:        "getTransactionStatus",
			underlyingHandler: methods.NewGetTransactionStatusHandler(params.Logger, store),
		},
		{
			methodName: "getTransactionsByOwner",
			underlyingHandler: methods.NewGetTransactionsByOwnerHandler(
				params.Logger, store, params.TransactionReader,
				cfg.MaxTransactionLimit, cfg.DefaultTransactionLimit),
		},
	}
	handlersMap := handler.Map{}
	for _, h := range handlers {
		handlersMap[h.methodName] = h.underlyingHandler
	}
	bridge := jhttp.NewBridge(decorateHandlers(params.Daemon, params.Logger, cfg.RequestTimeout, handlersMap), &bridgeOptions)

	corsOptions := cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedHeaders: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "POST", "PATCH", "DELETE", "HEAD", "OPTIONS"},
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		corsOptions.AllowOriginRequestFunc = func(*http.Request, string) bool { return true }
	}

	return Handler{
		bridge:  bridge,
		logger:  params.Logger,
		Handler: cors.New(corsOptions).Handler(bridge),
	}
}
