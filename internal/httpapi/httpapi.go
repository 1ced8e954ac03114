// Package httpapi is the local bridge the POS UI talks to: it dispatches
// actions, serves state snapshots and pushes selected slices over websockets.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kasirinaja/offline/internal/dispatch"
	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/entitlement"
	"kasirinaja/offline/internal/ledger"
	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/syncengine"
	"kasirinaja/offline/internal/usage"
)

// Agent is what the bridge needs from the running agent.
type Agent interface {
	Dispatcher() *dispatch.Dispatcher
	SyncNow(ctx context.Context) error
	Refresh(ctx context.Context, full bool) error
	RefreshPlan(ctx context.Context, force bool) error
	SignIn(ctx context.Context, token, username, password string) error
	Unlock(ctx context.Context, username, password string) error
	SignedIn() bool
}

type API struct {
	agent         Agent
	allowedOrigin string
	gatherer      prometheus.Gatherer
	unlockLimiter *attemptLimiter
	csrfSecret    []byte
}

func New(agent Agent, allowedOrigin string, gatherer prometheus.Gatherer) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte(fmt.Sprintf("posagent-csrf-%d", time.Now().UnixNano()))
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &API{
		agent:         agent,
		allowedOrigin: allowedOrigin,
		gatherer:      gatherer,
		unlockLimiter: newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("/api/v1/session/token", a.handleSessionToken)
	mux.HandleFunc("/api/v1/session/unlock", a.handleSessionUnlock)

	mux.HandleFunc("/api/v1/state", a.requireSession(a.handleState))
	mux.HandleFunc("/api/v1/actions/", a.requireSession(a.handleAction))
	mux.HandleFunc("/api/v1/sync", a.requireSession(a.handleSync))
	mux.HandleFunc("/api/v1/refresh", a.requireSession(a.handleRefresh))
	mux.HandleFunc("/api/v1/plan/refresh", a.requireSession(a.handlePlanRefresh))
	mux.HandleFunc("/api/v1/ledger/", a.requireSession(a.handleLedger))
	mux.HandleFunc("/api/v1/subscribe", a.requireSession(a.handleSubscribe))

	return a.withMiddleware(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"online": a.agent.Dispatcher().State().Online,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.agent.Dispatcher().State())
}

// handleAction serves POST /api/v1/actions/{kind}/{add|update|delete}.
func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/actions/"), "/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, errors.New("unknown action route"))
		return
	}
	c, ok := codecs[domain.Kind(parts[0])]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown entity kind %q", parts[0]))
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var action dispatch.Action
	var err error
	switch parts[1] {
	case "add":
		action, err = c.add(body)
	case "update":
		action, err = c.update(body)
	case "delete":
		action, err = c.remove(body)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown operation %q", parts[1]))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.agent.Dispatcher().Dispatch(r.Context(), action)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	status := http.StatusOK
	if parts[1] == "add" && !res.Duplicate {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.agent.SyncNow(r.Context()); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.agent.Dispatcher().State().Sync)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	full := r.URL.Query().Get("full") == "1"
	if err := a.agent.Refresh(r.Context(), full); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handlePlanRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	force := r.URL.Query().Get("force") == "1"
	if err := a.agent.RefreshPlan(r.Context(), force); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.agent.Dispatcher().State().Plan)
}

func (a *API) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/ledger/"), "/")
	st := a.agent.Dispatcher().State()
	for _, c := range st.Customers {
		if c.ID == id || (c.RemoteID != "" && c.RemoteID == id) {
			writeJSON(w, http.StatusOK, ledger.Build(c, st.CustomerTransactions, st.Orders))
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("customer %q not found", id))
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// writeDispatchError maps domain failures to a status and a message the
// cashier can act on.
func writeDispatchError(w http.ResponseWriter, err error) {
	var capErr *usage.CapacityError
	var expired *entitlement.ExpiredError
	var storageErr *store.StorageError
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, dispatch.ErrMissingID):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dispatch.ErrExists), errors.Is(err, dispatch.ErrDuplicateProduct), errors.As(err, &capErr):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, entitlement.ErrBaseRequired), errors.Is(err, entitlement.ErrNoEntitlement), errors.As(err, &expired):
		writeError(w, http.StatusForbidden, err)
	case syncengine.IsNetwork(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "the server cannot be reached: changes are kept on this device and will sync when back online",
		})
	case errors.As(err, &storageErr):
		log.Printf("[httpapi] WARN: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": fmt.Sprintf("could not save %s on this device: nothing was changed", storageErr.Kind),
		})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the log.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
