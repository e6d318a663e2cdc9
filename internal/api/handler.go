package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/bus"
	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/orchestrator"
	"github.com/nidhogg/aide/internal/proactive"
	"github.com/nidhogg/aide/internal/task"
)

// Deps are the components the REST surface exposes. Nil members answer 503.
type Deps struct {
	Master    *orchestrator.Master
	Scheduler *proactive.Scheduler
	Thinking  *proactive.ThinkingEngine
	Unified   *memory.Unified
	Enhanced  *memory.Enhanced
	Learner   *memory.Learner
	Sessions  *memory.Sessions
	History   *memory.History
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	d      Deps
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps, logger *zap.Logger) *Handler {
	return &Handler{d: d, now: time.Now, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Orchestrator routes
		r.With(h.need(h.d.Master != nil, "master")).Group(func(r chi.Router) {
			r.Post("/intents", h.submitIntent)
			r.Post("/workflows", h.runWorkflow)
			r.Post("/batches", h.runBatch)
			r.Get("/capabilities", h.listCapabilities)
			r.Get("/agents", h.listAgents)
			r.Post("/broadcast", h.broadcast)
		})

		// Proactive routes
		r.With(h.need(h.d.Scheduler != nil, "scheduler")).Group(func(r chi.Router) {
			r.Get("/schedules", h.listSchedules)
			r.Post("/schedules/{id}/run", h.runSchedule)
			r.Post("/schedules/{id}/enable", h.enableSchedule)
			r.Post("/schedules/{id}/disable", h.disableSchedule)
		})
		r.With(h.need(h.d.Thinking != nil, "thinking engine")).Group(func(r chi.Router) {
			r.Get("/proactive/tasks", h.pendingTasks)
			r.Post("/proactive/think", h.thinkNow)
			r.Post("/proactive/insights", h.addInsight)
		})

		// Memory routes
		r.With(h.need(h.d.Unified != nil, "memory")).Group(func(r chi.Router) {
			r.Get("/memory", h.memoryMarkdown)
			r.Get("/memory/export", h.exportMemory)
			r.Post("/memory/import", h.importMemory)
			r.Get("/memory/search", h.searchMemory)
		})
		r.With(h.need(h.d.Learner != nil, "learner")).Post("/memory/learn", h.learn)
		r.With(h.need(h.d.Sessions != nil, "sessions")).Group(func(r chi.Router) {
			r.Post("/sessions/{id}/messages", h.addMessage)
			r.Get("/sessions/{id}/messages", h.listMessages)
		})
	})

	return r
}

// need answers 503 when a component was not configured.
func (h *Handler) need(ok bool, what string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				writeError(w, http.StatusServiceUnavailable, what+" not initialized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "time": h.now().Format(time.RFC3339)}
	if h.d.Master != nil {
		resp["agents"] = len(h.d.Master.Agents())
		resp["running"] = h.d.Master.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) submitIntent(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.Intent
	if !decode(w, r, &in) {
		return
	}
	if in.TaskType == "" {
		writeError(w, http.StatusBadRequest, "task_type is required")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Master.Handle(r.Context(), in))
}

type stepsRequest struct {
	Steps   []orchestrator.Intent `json:"steps"`
	Intents []orchestrator.Intent `json:"intents"`
}

func (s stepsRequest) all() []orchestrator.Intent {
	return append(append([]orchestrator.Intent(nil), s.Steps...), s.Intents...)
}

func (h *Handler) runWorkflow(w http.ResponseWriter, r *http.Request) {
	var req stepsRequest
	if !decode(w, r, &req) {
		return
	}
	steps := req.all()
	if len(steps) == 0 {
		writeError(w, http.StatusBadRequest, "steps are required")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Master.RunWorkflow(r.Context(), steps))
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request) {
	var req stepsRequest
	if !decode(w, r, &req) {
		return
	}
	intents := req.all()
	if len(intents) == 0 {
		writeError(w, http.StatusBadRequest, "intents are required")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Master.RunBatch(r.Context(), intents))
}

func (h *Handler) listCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Master.Catalogue())
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Master.Agents())
}

type broadcastRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = bus.TypeNotification
	}
	if err := h.d.Master.Broadcast(r.Context(), req.Type, req.Payload); err != nil {
		h.logger.Warn("broadcast failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "broadcast sent"})
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": h.d.Scheduler.List(),
		"stats": h.d.Scheduler.Stats(),
	})
}

func (h *Handler) scheduleAction(w http.ResponseWriter, r *http.Request, action string, fn func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		if errors.Is(err, proactive.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, err := h.d.Scheduler.Get(id)
	if err != nil {
		// run_now may retire a one-time task.
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": action})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) runSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleAction(w, r, "run", func(id string) error { return h.d.Scheduler.RunNow(r.Context(), id) })
}

func (h *Handler) enableSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleAction(w, r, "enabled", h.d.Scheduler.Enable)
}

func (h *Handler) disableSchedule(w http.ResponseWriter, r *http.Request) {
	h.scheduleAction(w, r, "disabled", h.d.Scheduler.Disable)
}

func taskInfos(tasks []*task.Task) []task.Info {
	out := make([]task.Info, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info())
	}
	return out
}

func (h *Handler) pendingTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, taskInfos(h.d.Thinking.PendingTasks()))
}

func (h *Handler) thinkNow(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.Thinking.Think(r.Context(), h.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generated": n,
		"pending":   taskInfos(h.d.Thinking.PendingTasks()),
	})
}

func (h *Handler) addInsight(w http.ResponseWriter, r *http.Request) {
	var in proactive.Insight
	if !decode(w, r, &in) {
		return
	}
	if in.Type == "" {
		writeError(w, http.StatusBadRequest, "insight_type is required")
		return
	}
	if err := h.d.Thinking.AddInsight(r.Context(), in); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (h *Handler) memoryMarkdown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(h.d.Unified.Markdown()))
}

type memoryDump struct {
	Unified  memory.State    `json:"unified"`
	Enhanced []memory.Record `json:"enhanced,omitempty"`
}

func (h *Handler) exportMemory(w http.ResponseWriter, r *http.Request) {
	dump := memoryDump{Unified: h.d.Unified.Export()}
	if h.d.Enhanced != nil {
		dump.Enhanced = h.d.Enhanced.Export()
	}
	writeJSON(w, http.StatusOK, dump)
}

func (h *Handler) importMemory(w http.ResponseWriter, r *http.Request) {
	var dump memoryDump
	if !decode(w, r, &dump) {
		return
	}
	h.d.Unified.Import(dump.Unified)
	imported := 0
	if h.d.Enhanced != nil && len(dump.Enhanced) > 0 {
		imported = h.d.Enhanced.Import(r.Context(), dump.Enhanced)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "imported", "enhanced": imported, "stats": h.d.Unified.Stats()})
}

func (h *Handler) searchMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := intQuery(r, "limit", 10)
	resp := map[string]any{"unified": h.d.Unified.Search(q, limit)}
	if h.d.Enhanced != nil {
		resp["enhanced"] = h.d.Enhanced.Search(r.Context(), q, memory.SearchOptions{Limit: limit})
	}
	if h.d.History != nil {
		resp["history"] = h.d.History.Search(q, limit)
	}
	writeJSON(w, http.StatusOK, resp)
}

type learnRequest struct {
	Role     string           `json:"role"`
	Content  string           `json:"content"`
	Messages []memory.Message `json:"messages"`
}

func (h *Handler) learn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Messages) > 0 {
		writeJSON(w, http.StatusOK, h.d.Learner.LearnFromConversation(req.Messages))
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content or messages is required")
		return
	}
	if req.Role == "" {
		req.Role = memory.RoleUser
	}
	writeJSON(w, http.StatusOK, h.d.Learner.LearnFromMessage(req.Role, req.Content))
}

type messageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
}

type messageResponse struct {
	Message memory.Message      `json:"message"`
	Learned *memory.LearnResult `json:"learned,omitempty"`
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*memory.ShortTerm, bool) {
	s, err := h.d.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return s, true
}

func (h *Handler) addMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	var resp messageResponse
	switch req.Role {
	case "", memory.RoleUser:
		resp.Message = s.AddUser(req.Content)
	case memory.RoleAssistant:
		resp.Message = s.AddAssistant(req.Content)
	case memory.RoleTool:
		resp.Message = s.AddTool(req.Content, req.Tool)
	default:
		writeError(w, http.StatusBadRequest, "unknown role: "+req.Role)
		return
	}

	if h.d.History != nil {
		h.d.History.Add(r.Context(), resp.Message.Role, req.Content, s.Session())
	}
	if h.d.Learner != nil && resp.Message.Role == memory.RoleUser {
		res := h.d.Learner.LearnFromMessage(memory.RoleUser, req.Content)
		resp.Learned = &res
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Has("last") {
		writeJSON(w, http.StatusOK, s.Last(intQuery(r, "last", 10)))
		return
	}
	writeJSON(w, http.StatusOK, s.Messages())
}

func intQuery(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
