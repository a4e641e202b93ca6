package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/skills"
	"github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/toolserver"
	"github.com/nidhogg/overseer/internal/workspace"
)

// Persistence is the slice of the store the handlers need. Narrow so tests
// can run against an in-memory fake.
type Persistence interface {
	toolserver.ConfigSource
	CreateToolServer(ctx context.Context, cfg toolserver.ServerConfig) error
	UpdateToolServer(ctx context.Context, cfg toolserver.ServerConfig) error
	SetToolServerEnabled(ctx context.Context, name string, enabled bool) error
	GetToolServer(ctx context.Context, name string) (toolserver.ServerConfig, error)
	ListToolServers(ctx context.Context) ([]toolserver.ServerConfig, error)
	DeleteToolServer(ctx context.Context, name string) error
	TouchSession(ctx context.Context, id, workDir string) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *session.Registry
	manager  *toolserver.Manager
	skills   *skills.Store
	db       Persistence
	syncer   *workspace.Syncer
	notifier notify.Notifier
	verifier auth.Verifier
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	registry *session.Registry,
	manager *toolserver.Manager,
	skillStore *skills.Store,
	db Persistence,
	syncer *workspace.Syncer,
	notifier notify.Notifier,
	verifier auth.Verifier,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		manager:  manager,
		skills:   skillStore,
		db:       db,
		syncer:   syncer,
		notifier: notifier,
		verifier: verifier,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(auth.Middleware(h.verifier))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Tool-server registry and connections
		r.Get("/toolservers", h.listToolServers)
		r.Post("/toolservers", h.createToolServer)
		r.Post("/toolservers/reconnect", h.reconnectToolServers)
		r.Get("/toolservers/{name}", h.getToolServer)
		r.Put("/toolservers/{name}", h.updateToolServer)
		r.Delete("/toolservers/{name}", h.deleteToolServer)
		r.Post("/toolservers/{name}/enabled", h.setToolServerEnabled)
		r.Post("/toolservers/{name}/connect", h.connectToolServer)
		r.Post("/toolservers/{name}/disconnect", h.disconnectToolServer)
		r.Get("/toolservers/{name}/tools", h.listToolServerTools)
		r.Post("/toolservers/{name}/call", h.callTool)

		// Skill tiers
		r.Get("/skills", h.listSkills)
		r.Post("/skills/promote", h.promoteSkill)
		r.Post("/skills/demote", h.demoteSkill)
		r.Delete("/skills/{name}", h.deleteSkill)
		r.Post("/skills/{name}/enabled", h.setSkillEnabled)

		// Sessions
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}/stream", h.streamSession)
		r.Get("/sessions/{id}/changes", h.streamChanges)
		r.Delete("/sessions/{id}", h.disposeSession)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- tool-servers ---

// toolServerView pairs a persisted config with its live connection status.
type toolServerView struct {
	toolserver.ServerConfig
	Status toolserver.Status `json:"status"`
}

func (h *Handler) listToolServers(w http.ResponseWriter, r *http.Request) {
	configs, err := h.db.ListToolServers(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]toolServerView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, toolServerView{cfg, h.manager.Status(cfg.Name)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) createToolServer(w http.ResponseWriter, r *http.Request) {
	var cfg toolserver.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeClientError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := cfg.Validate(); err != nil {
		writeClientError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.CreateToolServer(r.Context(), cfg); err != nil {
		h.writeError(w, err)
		return
	}
	h.afterRegistryMutation(cfg.Name, cfg.Enabled)
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *Handler) getToolServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, err := h.db.GetToolServer(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolServerView{cfg, h.manager.Status(name)})
}

func (h *Handler) updateToolServer(w http.ResponseWriter, r *http.Request) {
	var cfg toolserver.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeClientError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg.Name = chi.URLParam(r, "name")
	if err := cfg.Validate(); err != nil {
		writeClientError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.UpdateToolServer(r.Context(), cfg); err != nil {
		h.writeError(w, err)
		return
	}
	// The running connection may now describe a stale transport; drop it
	// and let the reconcile path bring it back with the new config.
	h.manager.Disconnect(cfg.Name)
	h.afterRegistryMutation(cfg.Name, cfg.Enabled)
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) deleteToolServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.db.DeleteToolServer(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}
	h.manager.Remove(name)
	h.afterRegistryMutation(name, false)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setToolServerEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClientError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.db.SetToolServerEnabled(r.Context(), name, req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	if !req.Enabled {
		// Disabling at the config level always implies a disconnect.
		h.manager.Remove(name)
	}
	h.afterRegistryMutation(name, req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// afterRegistryMutation resynchronizes every live workspace's tool-server
// artifact and, for an enabled config, kicks off a background connect.
func (h *Handler) afterRegistryMutation(name string, enabled bool) {
	ctx := context.Background()
	h.syncer.SyncAll(ctx, h.registry.LiveWorkDirs())
	if enabled {
		go func() {
			cfg, err := h.db.GetToolServer(ctx, name)
			if err != nil {
				return
			}
			h.manager.Connect(ctx, cfg)
		}()
	}
}

func (h *Handler) connectToolServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cfg, err := h.db.GetToolServer(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !cfg.Enabled {
		writeClientError(w, http.StatusConflict, "tool-server is disabled")
		return
	}
	// Fire-and-forget: the outcome lands in connection state.
	go h.manager.Connect(context.Background(), cfg)
	writeJSON(w, http.StatusAccepted, h.manager.Status(name))
}

func (h *Handler) disconnectToolServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.manager.Disconnect(name)
	writeJSON(w, http.StatusOK, h.manager.Status(name))
}

// reconnectToolServers is the manual trigger for the reconcile pass that
// otherwise runs on a timer.
func (h *Handler) reconnectToolServers(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ReconnectUnhealthy(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.manager.StatusAll())
}

func (h *Handler) listToolServerTools(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tools := h.manager.ListTools(name)
	if tools == nil {
		tools = []toolserver.ToolInfo{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (h *Handler) callTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Tool string                 `json:"tool"`
		Args map[string]interface{} `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tool == "" {
		writeClientError(w, http.StatusBadRequest, "tool is required")
		return
	}
	result, err := h.manager.CallTool(r.Context(), name, req.Tool, req.Args)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

// --- skills ---

func (h *Handler) listSkills(w http.ResponseWriter, r *http.Request) {
	tier := skills.Tier(r.URL.Query().Get("tier"))
	var scope string
	switch tier {
	case skills.TierGlobal:
	case skills.TierUser:
		userID, ok := auth.UserID(r.Context())
		if !ok {
			h.writeError(w, auth.ErrUnauthorized)
			return
		}
		scope = userID
	case skills.TierSession:
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			writeClientError(w, http.StatusBadRequest, "session is required")
			return
		}
		scope = h.registry.WorkDir(sessionID)
	default:
		writeClientError(w, http.StatusBadRequest, "unknown tier")
		return
	}

	list, err := h.skills.List(tier, scope)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []*skills.Skill{}
	}
	writeJSON(w, http.StatusOK, list)
}

// skillMoveRequest addresses a promote or demote.
type skillMoveRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

func (h *Handler) promoteSkill(w http.ResponseWriter, r *http.Request) {
	h.moveSkill(w, r, h.skills.Promote)
}

func (h *Handler) demoteSkill(w http.ResponseWriter, r *http.Request) {
	h.moveSkill(w, r, h.skills.Demote)
}

func (h *Handler) moveSkill(w http.ResponseWriter, r *http.Request, move func(userID, workDir, name string) error) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, auth.ErrUnauthorized)
		return
	}
	var req skillMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Name == "" {
		writeClientError(w, http.StatusBadRequest, "session_id and name are required")
		return
	}
	if err := move(userID, h.registry.WorkDir(req.SessionID), req.Name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name})
}

func (h *Handler) deleteSkill(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, auth.ErrUnauthorized)
		return
	}
	if err := h.skills.Delete(userID, chi.URLParam(r, "name")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setSkillEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClientError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.skills.SetEnabled(chi.URLParam(r, "name"), req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// --- sessions ---

// sessionView is the read model for one live session.
type sessionView struct {
	ID          string        `json:"id"`
	WorkDir     string        `json:"work_dir"`
	State       session.State `json:"state"`
	Subscribers int           `json:"subscribers"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	live := h.registry.List()
	views := make([]sessionView, 0, len(live))
	for _, s := range live {
		views = append(views, sessionView{
			ID:          s.ID,
			WorkDir:     s.WorkDir,
			State:       s.State(),
			Subscribers: s.SubscriberCount(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) disposeSession(w http.ResponseWriter, r *http.Request) {
	h.registry.Dispose(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeClientError reports a request-level failure as a JSON body. Messages
// may carry quotes from validation errors, so they go through the encoder
// rather than string concatenation.
func writeClientError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the error taxonomy onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, skills.ErrNotFound) || errors.Is(err, toolserver.ErrUnknownServer):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict) || errors.Is(err, skills.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, toolserver.ErrNotConnected):
		status = http.StatusConflict
	default:
		var inv *toolserver.InvocationError
		if errors.As(err, &inv) {
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
