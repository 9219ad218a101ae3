package server

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/carlosnetto/ybank.me-wallet/internal/gateway"
	"github.com/carlosnetto/ybank.me-wallet/internal/health"
	"github.com/carlosnetto/ybank.me-wallet/internal/metrics"
	"github.com/carlosnetto/ybank.me-wallet/internal/poller"
	"github.com/carlosnetto/ybank.me-wallet/internal/wallet"
)

// Chain is the transaction surface the API needs from the chain client.
type Chain interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	SendTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error)
}

// SnapshotSource serves the latest polled wallet state.
type SnapshotSource interface {
	Snapshot() poller.Snapshot
}

// Gateway is the payment-request API surface.
type Gateway interface {
	CreateCharge(ctx context.Context, recipient, amount string) (*gateway.Charge, error)
	GetCharge(ctx context.Context, id string) (*gateway.Charge, error)
	MarkPaid(ctx context.Context, id, txHash, payer string) (*gateway.Charge, error)
}

// Server is the wallet daemon's HTTP API.
type Server struct {
	addr    string
	wallet  *wallet.Wallet
	chain   Chain
	state   SnapshotSource
	gateway Gateway
	metrics *metrics.Metrics
	logger  *zerolog.Logger
	server  *http.Server
}

// New creates the API server with its dependencies injected.
func New(addr string, w *wallet.Wallet, chain Chain, state SnapshotSource, gw Gateway, m *metrics.Metrics, logger *zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		wallet:  w,
		chain:   chain,
		state:   state,
		gateway: gw,
		metrics: m,
		logger:  logger,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/v1/account", handleGetAccount(s.wallet))
	mux.Handle("GET /api/v1/balance", handleGetBalance(s.state))
	mux.Handle("GET /api/v1/transactions", handleListTransactions(s.state))
	mux.Handle("POST /api/v1/send", handleSend(s.wallet, s.chain, s.logger))
	mux.Handle("POST /api/v1/charges", handleCreateCharge(s.wallet, s.gateway, s.logger))
	mux.Handle("GET /api/v1/charges/{id}", handleGetCharge(s.gateway, s.logger))
	mux.Handle("POST /api/v1/pay", handlePay(s.wallet, s.chain, s.gateway, s.logger))

	mux.HandleFunc("GET /health", health.LivenessHandler)
	mux.HandleFunc("GET /ready", health.ReadinessHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.instrument(mux)
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting wallet API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics keyed by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(path, strconv.Itoa(rec.status), time.Since(start))
	})
}
