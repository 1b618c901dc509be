package web

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/saigon/internal/domain"
	"github.com/vadiminshakov/saigon/internal/events"
	"github.com/vadiminshakov/saigon/internal/metrics"
	"github.com/vadiminshakov/saigon/internal/services/orchestrator"
	"github.com/vadiminshakov/saigon/internal/services/position"
)

const (
	defaultPollInterval = 3 * time.Second
	heartbeatInterval   = 20 * time.Second
)

type activityReader interface {
	BalancesAfter(index uint64) ([]domain.BalanceRecordEntry, error)
	OutcomesAfter(index uint64) ([]domain.ActionOutcomeEntry, error)
}

type positionReader interface {
	Views(ctx context.Context, owner common.Address) []position.View
	VaultView(ctx context.Context, owner common.Address) (position.VaultView, error)
	LendingTerms(ctx context.Context) position.LendingTerms
}

type loanLister interface {
	ListActiveLoans(ctx context.Context, borrower common.Address) ([]domain.LoanRow, error)
}

type actionRunner interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.PendingAction, error)
	Pending() []domain.ActionOutcome
	Owner() common.Address
}

// Server exposes the wallet session over HTTP: JSON views, action triggers
// and SSE streams of balance snapshots and action outcomes.
type Server struct {
	Addr      string
	Network   *domain.Network
	Store     activityReader
	Positions positionReader
	Loans     loanLister
	Actions   actionRunner
	Outcomes  *events.Broadcaster[domain.ActionOutcome]

	logger       *zap.Logger
	pollInterval time.Duration
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPollInterval sets how often the balance stream polls the activity log.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewServer creates a new web server instance.
func NewServer(addr string, network *domain.Network, store activityReader, positions positionReader,
	loans loanLister, actions actionRunner, outcomes *events.Broadcaster[domain.ActionOutcome], opts ...Option) *Server {
	s := &Server{
		Addr:         addr,
		Network:      network,
		Store:        store,
		Positions:    positions,
		Loans:        loans,
		Actions:      actions,
		Outcomes:     outcomes,
		logger:       zap.NewNop(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", s.indexHandler())
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/vault", s.handleVault)
	mux.HandleFunc("GET /api/lending", s.handleLending)
	mux.HandleFunc("GET /api/loans", s.handleLoans)
	mux.HandleFunc("GET /api/actions", s.handlePending)
	mux.HandleFunc("POST /api/actions/{kind}", s.handleAction)
	mux.HandleFunc("GET /balance/stream", s.handleBalanceStream)
	mux.HandleFunc("GET /actions/stream", s.handleActionStream)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("web server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with certificates obtained via ACME.
// An HTTP server on port 80 answers the HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("acme http server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme http server", zap.Error(err))
		}
	}()

	s.logger.Info("web server listening with autocert",
		zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) indexHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			_, _ = io.WriteString(w, indexHTML)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		_, _ = io.WriteString(gz, indexHTML)
	})
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
// The header is preferred; the query parameter allows manual reconnects to resume from a known index.
func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.logger.Warn("invalid last event id", zap.String("id", idStr), zap.Error(err))
		return 0
	}
	return id
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Saigon wallet</title>
<style>
body { font-family: ui-monospace, monospace; background: #0f1115; color: #d8dee9; margin: 2rem; }
h2 { color: #88c0d0; font-size: 1rem; text-transform: uppercase; }
pre { background: #1a1d23; padding: 1rem; border-radius: 4px; max-height: 20rem; overflow: auto; }
</style>
</head>
<body>
<h2>Positions</h2><pre id="positions">loading...</pre>
<h2>Loans</h2><pre id="loans">loading...</pre>
<h2>Balances</h2><pre id="balances">waiting for snapshots...</pre>
<h2>Actions</h2><pre id="actions"></pre>
<script>
async function load(id, url) {
  const res = await fetch(url);
  document.getElementById(id).textContent = JSON.stringify(await res.json(), null, 2);
}
load("positions", "/api/positions");
load("loans", "/api/loans");
const balances = document.getElementById("balances");
const bs = new EventSource("/balance/stream");
bs.addEventListener("balance", e => {
  const r = JSON.parse(e.data);
  balances.textContent = r.ts + " " + r.asset + " " + r.display + "\n" + balances.textContent;
});
bs.addEventListener("no_data", () => { balances.textContent = "no data yet"; });
const actions = document.getElementById("actions");
const as = new EventSource("/actions/stream");
as.addEventListener("action", e => {
  const a = JSON.parse(e.data);
  actions.textContent = a.kind + " " + a.asset + " " + a.state + (a.error ? " " + a.error : "") + "\n" + actions.textContent;
  if (a.state !== "pending") { load("positions", "/api/positions"); load("loans", "/api/loans"); }
});
</script>
</body>
</html>
`
