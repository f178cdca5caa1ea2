// Package status serves an optional read-only operator HTTP endpoint: job
// listings, progress, activity, parsed members, per-user statistics, session
// budgets, the scheduler's next fire times, and pprof.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/internal/runtime/supervisor"
	"tgninja/internal/storage"
	"tgninja/internal/task/engine"
	"tgninja/internal/task/governor"
	"tgninja/internal/task/progress"
	"tgninja/internal/task/scheduler"
	"tgninja/pkg/logx"
)

// Config controls the optional status HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

const (
	pprofPrefix = "/debug/pprof/"

	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

// Source answers the read-only queries served here.
type Source interface {
	ListJobs(ctx context.Context, userRef int64) ([]storage.Job, error)
	QueryProgress(jobID string) (progress.Snapshot, bool)
	UserProgress(userRef int64) []progress.Snapshot
	ListActivity(ctx context.Context, userRef int64, limit int) ([]storage.ActivityEntry, error)
	ListMembers(ctx context.Context, userRef int64, jobID string) ([]storage.Member, error)
	Stats(ctx context.Context, userRef int64) (engine.Stats, error)
}

// Schedules reports registered scheduler entries.
type Schedules interface {
	Snapshot() scheduler.Snapshot
}

// Budgets reports the pacing budgets of one session.
type Budgets interface {
	Budgets(session string) []governor.BudgetView
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Source
	sch Schedules
	bud Budgets

	srv  *http.Server
	addr string
	sup  *supervisor.Supervisor
}

func New(cfg Config, src Source, sch Schedules, bud Budgets, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, sch: sch, bud: bud, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound listen address, empty while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	stop := func() {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		s.Stop(sctx)
	}
	switch {
	case !cfg.Enabled:
		if running {
			stop()
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		stop()
		s.Start(ctx)
	}
}

// Start is idempotent. Listen failures are retried with backoff.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// status is optional observability; never hard-kill the app.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Stop(ctx)
	s.mu.Lock()
	s.srv, s.addr = nil, ""
	s.mu.Unlock()
	s.log.Info("status server stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	// Safety: prevent accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("status server refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return errors.New("status server refused to start: insecure bind")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return errors.Wrapf(err, "listen %s", addr)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  time.Minute,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("status server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return context.Canceled
	}
	return err
}

// Handler builds the routes. Exposed for tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	tok := strings.TrimSpace(s.cfg.Token)
	s.mu.Unlock()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(tok, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /jobs", wrap(s.handleJobs))
	mux.HandleFunc("GET /jobs/{id}/members", wrap(s.handleMembers))
	mux.HandleFunc("GET /progress", wrap(s.handleUserProgress))
	mux.HandleFunc("GET /progress/{id}", wrap(s.handleProgress))
	mux.HandleFunc("GET /activity", wrap(s.handleActivity))
	mux.HandleFunc("GET /stats", wrap(s.handleStats))
	mux.HandleFunc("GET /budget", wrap(s.handleBudget))
	mux.HandleFunc("GET /scheduler", wrap(s.handleScheduler))

	mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
	mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	return mux
}

// userParam reads the mandatory ?user= parameter, answering 400 when absent.
func userParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	user, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil || user == 0 {
		http.Error(w, "user query parameter required", http.StatusBadRequest)
		return 0, false
	}
	return user, true
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	jobs, err := s.src.ListJobs(r.Context(), user)
	if err != nil {
		s.log.Warn("list jobs failed", logx.UserRef(user), logx.Err(err))
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

func (s *Service) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.src.QueryProgress(r.PathValue("id"))
	if !ok {
		http.Error(w, "no progress for job", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Service) handleUserProgress(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	snaps := s.src.UserProgress(user)
	if snaps == nil {
		snaps = []progress.Snapshot{}
	}
	writeJSON(w, snaps)
}

func (s *Service) handleMembers(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	members, err := s.src.ListMembers(r.Context(), user, id)
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrInvalidJob):
		http.Error(w, "job has no members", http.StatusBadRequest)
		return
	case err != nil:
		s.log.Warn("list members failed", logx.JobID(id), logx.Err(err))
		http.Error(w, "list members failed", http.StatusInternalServerError)
		return
	}
	if members == nil {
		members = []storage.Member{}
	}
	writeJSON(w, members)
}

func (s *Service) handleActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	limit := defaultActivityLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxActivityLimit)
	}
	entries, err := s.src.ListActivity(r.Context(), user, limit)
	if err != nil {
		s.log.Warn("list activity failed", logx.UserRef(user), logx.Err(err))
		http.Error(w, "list activity failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.ActivityEntry{}
	}
	writeJSON(w, entries)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	user, ok := userParam(w, r)
	if !ok {
		return
	}
	st, err := s.src.Stats(r.Context(), user)
	if err != nil {
		s.log.Warn("stats failed", logx.UserRef(user), logx.Err(err))
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

func (s *Service) handleBudget(w http.ResponseWriter, r *http.Request) {
	acc := strings.TrimSpace(r.URL.Query().Get("account"))
	if acc == "" {
		http.Error(w, "account query parameter required", http.StatusBadRequest)
		return
	}
	if s.bud == nil {
		http.Error(w, "governor not available", http.StatusNotFound)
		return
	}
	views := s.bud.Budgets(acc)
	if views == nil {
		views = []governor.BudgetView{}
	}
	writeJSON(w, views)
}

func (s *Service) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	if s.sch == nil {
		http.Error(w, "scheduler not available", http.StatusNotFound)
		return
	}
	writeJSON(w, s.sch.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(tok string, h http.HandlerFunc) http.HandlerFunc {
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
