package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/lifecycle"
	"github.com/owenstuckman/orbit-engine/internal/payout"
	"github.com/owenstuckman/orbit-engine/internal/qc"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/internal/store/postgres"
	"github.com/owenstuckman/orbit-engine/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (operator UI on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	DBDriver       string       // "sqlite" (default) or "postgres"
	DBURL          string       // for postgres: connection string
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	Confidence     confidence.Opts
}

// App holds the HTTP server, SSE hub, store, and the engines behind the routes.
type App struct {
	Server     *http.Server
	Hub        *SSEHub
	Store      store.Store
	Controller *lifecycle.Controller
	Payouts    *payout.Engine
	Home       string
}

// NewApp creates the HTTP app (server, hub, store, engines) and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	hub := NewSSEHub()
	mux := http.NewServeMux()

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	ledger := &qc.Ledger{Store: st}
	ctrl := &lifecycle.Controller{
		Store:      st,
		Ledger:     ledger,
		Confidence: confidence.New(opts.Confidence),
		Events:     hub,
	}
	engine := &payout.Engine{Store: st, Ledger: ledger, Events: hub}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}
	mux.HandleFunc("/stream", hub.Handler())

	// --- Organizations and settings ---
	mux.HandleFunc("/orgs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		org, err := st.CreateOrganization(r.Context(), body.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, org)
	})
	mux.HandleFunc("/orgs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/orgs/")
		parts := strings.Split(rest, "/")
		if len(parts) < 1 || parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		orgID := parts[0]

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			org, err := st.GetOrganization(r.Context(), orgID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, org)
			return
		}
		if parts[1] != "settings" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		switch r.Method {
		case http.MethodGet:
			s, err := st.GetSettings(r.Context(), orgID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, s)
		case http.MethodPut:
			// Decode over the current row so a partial body updates only
			// the fields it names.
			s, err := st.GetSettings(r.Context(), orgID)
			if err != nil {
				writeError(w, err)
				return
			}
			if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			s.OrgID = orgID
			if err := st.PutSettings(r.Context(), s); err != nil {
				writeError(w, err)
				return
			}
			hub.PublishJSON(map[string]any{"type": "settings_update", "org_id": orgID})
			writeJSON(w, map[string]any{"ok": true})
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// --- Users ---
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var u models.User
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		created, err := st.CreateUser(r.Context(), u)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, created)
	})
	mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		userID := strings.TrimPrefix(r.URL.Path, "/users/")
		u, err := st.GetUser(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, u)
	})

	// --- Projects ---
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var p models.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		created, err := st.CreateProject(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, created)
	})
	mux.HandleFunc("/projects/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		projectID := strings.TrimPrefix(r.URL.Path, "/projects/")
		p, err := st.GetProject(r.Context(), projectID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, p)
	})

	// --- Tasks ---
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			orgID := r.URL.Query().Get("org_id")
			if orgID == "" {
				writeJSONError(w, http.StatusBadRequest, "org_id required")
				return
			}
			tasks, err := st.ListTasks(r.Context(), orgID, r.URL.Query().Get("status"), models.DefaultTaskListLimit)
			if err != nil {
				writeError(w, err)
				return
			}
			if tasks == nil {
				tasks = []models.Task{}
			}
			writeJSON(w, tasks)
		case http.MethodPost:
			var t models.Task
			if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			taskID, err := st.CreateTask(r.Context(), t)
			if err != nil {
				writeError(w, err)
				return
			}
			created, err := st.GetTask(r.Context(), taskID)
			if err != nil {
				writeError(w, err)
				return
			}
			hub.PublishJSON(map[string]any{"type": "task_update", "task_id": taskID, "status": created.Status})
			writeJSON(w, created)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
		parts := strings.Split(rest, "/")
		taskID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid task id")
			return
		}

		if len(parts) == 1 || parts[1] == "" {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			task, err := st.GetTask(r.Context(), taskID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, task)
			return
		}

		switch parts[1] {
		case "reviews":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			reviews, err := ledger.Reviews(r.Context(), taskID)
			if err != nil {
				writeError(w, err)
				return
			}
			if reviews == nil {
				reviews = []models.QCReview{}
			}
			writeJSON(w, reviews)
		case "payouts":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if _, err := st.GetTask(r.Context(), taskID); err != nil {
				writeError(w, err)
				return
			}
			payouts, err := st.ListPayoutsByTask(r.Context(), taskID)
			if err != nil {
				writeError(w, err)
				return
			}
			if payouts == nil {
				payouts = []models.Payout{}
			}
			writeJSON(w, payouts)
		case "accept":
			handleActorAction(w, r, taskID, ctrl.Accept)
		case "start":
			handleActorAction(w, r, taskID, ctrl.Start)
		case "reopen":
			handleActorAction(w, r, taskID, ctrl.Reopen)
		case "submit":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var body struct {
				ActorID    string             `json:"actor_id"`
				Submission *models.Submission `json:"submission"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			review, err := ctrl.Submit(r.Context(), taskID, body.ActorID, body.Submission)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, review)
		case "review":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var rv models.QCReview
			if err := json.NewDecoder(r.Body).Decode(&rv); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			rv.TaskID = taskID
			review, err := ctrl.Review(r.Context(), taskID, rv)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, review)
		case "pay":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			task, err := ctrl.MarkPaid(r.Context(), taskID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, task)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})

	// --- Payouts ---
	mux.HandleFunc("/payouts", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		orgID := r.URL.Query().Get("org_id")
		if orgID == "" {
			writeJSONError(w, http.StatusBadRequest, "org_id required")
			return
		}
		payouts, err := st.ListPayouts(r.Context(), orgID, models.DefaultPayoutListLimit)
		if err != nil {
			writeError(w, err)
			return
		}
		if payouts == nil {
			payouts = []models.Payout{}
		}
		writeJSON(w, payouts)
	})
	mux.HandleFunc("/payouts/calculate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			PayoutType  string  `json:"payout_type"`
			TaskID      *int64  `json:"task_id"`
			ProjectID   *string `json:"project_id"`
			Recalculate bool    `json:"recalculate"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		var p models.Payout
		var perr error
		if body.Recalculate {
			p, perr = engine.Recalculate(r.Context(), body.PayoutType, body.TaskID, body.ProjectID)
		} else {
			p, perr = engine.Calculate(r.Context(), body.PayoutType, body.TaskID, body.ProjectID)
		}
		if perr != nil {
			writeError(w, perr)
			return
		}
		writeJSON(w, p)
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "orbit")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})

	return &App{Server: srv, Hub: hub, Store: st, Controller: ctrl, Payouts: engine, Home: opts.Home}, nil
}

// handleActorAction serves the POST task actions that take only an actor_id.
func handleActorAction(w http.ResponseWriter, r *http.Request, taskID int64, fn func(ctx context.Context, taskID int64, actorID string) (*models.Task, error)) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.ActorID == "" {
		writeJSONError(w, http.StatusBadRequest, "actor_id required")
		return
	}
	task, err := fn(r.Context(), taskID, body.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, task)
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrPersistence):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
