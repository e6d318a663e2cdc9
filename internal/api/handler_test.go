package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/agent"
	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/notify"
	"github.com/nidhogg/aide/internal/orchestrator"
	"github.com/nidhogg/aide/internal/proactive"
	"github.com/nidhogg/aide/internal/task"
)

type fixture struct {
	ts      *httptest.Server
	unified *memory.Unified
	sent    *notify.Broadcaster

	mu    sync.Mutex
	fired []*task.Task
}

// newTestServer wires in-memory deps only (no Postgres, Redis or Qdrant).
func newTestServer(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	w := memory.NewWriter(logger)
	t.Cleanup(func() { w.Close() })
	u, err := memory.NewUnified(memory.UnifiedConfig{Dir: dir}, w, logger)
	if err != nil {
		t.Fatalf("NewUnified: %v", err)
	}
	enhanced := memory.NewEnhanced(memory.DefaultEnhancedConfig(), nil, logger)

	out := notify.NewBroadcaster(logger)
	out.Register(notify.NewLogSink(logger))

	m := orchestrator.NewMaster(nil, orchestrator.DefaultConfig(), logger)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start master: %v", err)
	}
	t.Cleanup(m.Stop)
	if err := m.AddAgent(agent.NewMemoryAgent(agent.MemoryStores{Unified: u, Enhanced: enhanced}, nil, agent.DefaultConfig(), logger)); err != nil {
		t.Fatal(err)
	}
	if err := m.AddAgent(agent.NewNotifyAgent(out, nil, agent.DefaultConfig(), logger)); err != nil {
		t.Fatal(err)
	}

	f := &fixture{unified: u, sent: out}
	sched := proactive.NewScheduler(proactive.DefaultSchedulerConfig(), logger)
	sched.SetupDefaults()
	sched.Handle("notification", func(_ context.Context, tk *task.Task) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fired = append(f.fired, tk)
		return nil
	})

	h := NewHandler(Deps{
		Master:    m,
		Scheduler: sched,
		Thinking:  proactive.NewThinkingEngine(u, nil, u, proactive.DefaultThinkingConfig(), logger),
		Unified:   u,
		Enhanced:  enhanced,
		Learner:   memory.NewLearner(u, memory.NewRegexExtractor(), logger),
		Sessions:  memory.NewSessions(dir, w, logger),
		History:   memory.NewHistory(dir, nil, w, logger),
	}, logger)
	f.ts = httptest.NewServer(h.Router())
	t.Cleanup(f.ts.Close)
	return f
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d (%s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	f := newTestServer(t)
	resp := getJSON(t, f.ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" || body["agents"] != float64(2) {
		t.Errorf("health = %v", body)
	}
}

func TestIntentRoundTrip(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts, "/api/intents", orchestrator.Intent{
		TaskType: "remember",
		Params:   map[string]any{"content": "周三下午看牙医"},
	})
	expectStatus(t, resp, http.StatusOK)
	var r orchestrator.Response
	decodeJSON(t, resp, &r)
	if r.Status != task.StatusCompleted || r.Agent != agent.MemoryAgentName {
		t.Fatalf("remember response = %+v", r)
	}

	resp = getJSON(t, f.ts, "/api/memory")
	expectStatus(t, resp, http.StatusOK)
	md, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(md), "周三下午看牙医") {
		t.Errorf("markdown missing note:\n%s", md)
	}
}

func TestIntentValidationAndNoAgent(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts, "/api/intents", map[string]any{"content": "x"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, f.ts, "/api/intents", orchestrator.Intent{TaskType: "teleport"})
	expectStatus(t, resp, http.StatusOK)
	var r orchestrator.Response
	decodeJSON(t, resp, &r)
	if r.Status != task.StatusFailed {
		t.Errorf("unroutable intent should fail, got %+v", r)
	}
}

func TestWorkflowAndBatch(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts, "/api/workflows", map[string]any{"steps": []orchestrator.Intent{
		{TaskType: "remember", Params: map[string]any{"content": "明早八点开会"}},
		{TaskType: "recall", Params: map[string]any{"query": "开会"}},
	}})
	expectStatus(t, resp, http.StatusOK)
	var out orchestrator.Outcome
	decodeJSON(t, resp, &out)
	if len(out.Steps) != 2 || !out.Steps[1].OK() {
		t.Fatalf("workflow outcome = %+v", out)
	}

	resp = postJSON(t, f.ts, "/api/batches", map[string]any{"intents": []orchestrator.Intent{
		{TaskType: "notification", Params: map[string]any{"message": "a"}},
		{TaskType: "notification", Params: map[string]any{"message": "b"}},
	}})
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &out)
	if len(out.Steps) != 2 {
		t.Fatalf("batch outcome = %+v", out)
	}
	if got := len(f.sent.History(0)); got != 2 {
		t.Errorf("notifications delivered = %d, want 2", got)
	}

	resp = postJSON(t, f.ts, "/api/workflows", map[string]any{})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestCapabilitiesAndAgents(t *testing.T) {
	f := newTestServer(t)

	var caps []agent.Capability
	resp := getJSON(t, f.ts, "/api/capabilities")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &caps)
	names := map[string]bool{}
	for _, c := range caps {
		names[c.Name] = true
	}
	for _, want := range []string{"remember", "recall", "profile", "forget", "preference", "notification", "send_email"} {
		if !names[want] {
			t.Errorf("capability %s missing", want)
		}
	}

	var infos []agent.Info
	resp = getJSON(t, f.ts, "/api/agents")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &infos)
	if len(infos) != 2 {
		t.Errorf("agents = %+v", infos)
	}
}

func TestSchedules(t *testing.T) {
	f := newTestServer(t)

	var list struct {
		Tasks []proactive.ScheduledTask `json:"tasks"`
		Stats proactive.SchedulerStats  `json:"stats"`
	}
	resp := getJSON(t, f.ts, "/api/schedules")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &list)
	if list.Stats.Total != 3 {
		t.Errorf("default schedules = %+v", list.Stats)
	}

	resp = postJSON(t, f.ts, "/api/schedules/morning_reminder/disable", nil)
	expectStatus(t, resp, http.StatusOK)
	var st proactive.ScheduledTask
	decodeJSON(t, resp, &st)
	if st.Enabled {
		t.Error("task still enabled")
	}

	resp = postJSON(t, f.ts, "/api/schedules/morning_reminder/run", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	f.mu.Lock()
	fired := len(f.fired)
	f.mu.Unlock()
	if fired != 1 {
		t.Errorf("run_now fired %d tasks", fired)
	}

	resp = postJSON(t, f.ts, "/api/schedules/nope/enable", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestProactiveEndpoints(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts, "/api/proactive/insights", proactive.Insight{Type: "weather_query", Content: "查天气"})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = postJSON(t, f.ts, "/api/proactive/insights", proactive.Insight{Content: "no type"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, f.ts, "/api/proactive/think", nil)
	expectStatus(t, resp, http.StatusOK)
	var think map[string]any
	decodeJSON(t, resp, &think)
	if _, ok := think["generated"]; !ok {
		t.Errorf("think response = %v", think)
	}

	resp = getJSON(t, f.ts, "/api/proactive/tasks")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestSessionsAndLearning(t *testing.T) {
	f := newTestServer(t)

	resp := postJSON(t, f.ts, "/api/sessions/chat-1/messages", map[string]string{"content": "我叫张三"})
	expectStatus(t, resp, http.StatusCreated)
	var added struct {
		Message memory.Message      `json:"message"`
		Learned *memory.LearnResult `json:"learned"`
	}
	decodeJSON(t, resp, &added)
	if added.Message.Role != memory.RoleUser || added.Learned == nil || !added.Learned.Learned {
		t.Errorf("add message = %+v", added)
	}
	if f.unified.ProfileValue("name") != "张三" {
		t.Errorf("name not learned from session message")
	}

	postJSON(t, f.ts, "/api/sessions/chat-1/messages", map[string]string{"role": "assistant", "content": "你好张三"}).Body.Close()

	var msgs []memory.Message
	resp = getJSON(t, f.ts, "/api/sessions/chat-1/messages?last=1")
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &msgs)
	if len(msgs) != 1 || msgs[0].Content != "你好张三" {
		t.Errorf("last=1 -> %+v", msgs)
	}

	resp = postJSON(t, f.ts, "/api/sessions/.hidden/messages", map[string]string{"content": "x"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, f.ts, "/api/memory/learn", map[string]string{"content": "我的邮箱是 zhang@example.com"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if f.unified.ProfileValue("email") != "zhang@example.com" {
		t.Errorf("email not learned")
	}

	var search map[string]json.RawMessage
	resp = getJSON(t, f.ts, "/api/memory/search?q="+url.QueryEscape("张三"))
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &search)
	if !strings.Contains(string(search["history"]), "张三") {
		t.Errorf("history search = %s", search["history"])
	}
}

func TestMemoryExportImport(t *testing.T) {
	f := newTestServer(t)
	f.unified.AddNote(memory.Note{Content: "喜欢爬山"})

	resp := getJSON(t, f.ts, "/api/memory/export")
	expectStatus(t, resp, http.StatusOK)
	var dump memoryDump
	decodeJSON(t, resp, &dump)
	if len(dump.Unified.Notes) != 1 {
		t.Fatalf("export = %+v", dump.Unified)
	}

	f.unified.ClearAll()
	resp = postJSON(t, f.ts, "/api/memory/import", dump)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if n := f.unified.Notes(); len(n) != 1 || n[0].Content != "喜欢爬山" {
		t.Errorf("notes after import = %+v", n)
	}
}

func TestMissingComponents(t *testing.T) {
	ts := httptest.NewServer(NewHandler(Deps{}, zap.NewNop()).Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	for _, path := range []string{"/api/agents", "/api/schedules", "/api/proactive/tasks", "/api/memory"} {
		resp := getJSON(t, ts, path)
		expectStatus(t, resp, http.StatusServiceUnavailable)
		resp.Body.Close()
	}
}
