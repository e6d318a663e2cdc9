//go:build e2e

// Package e2e runs the dispatch core against real Redis, PostgreSQL and
// Neo4j containers. Run with: go test -tags e2e ./internal/e2e/...
package e2e

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/aide/internal/agent"
	"github.com/nidhogg/aide/internal/bus"
	"github.com/nidhogg/aide/internal/graph"
	"github.com/nidhogg/aide/internal/memory"
	"github.com/nidhogg/aide/internal/notify"
	"github.com/nidhogg/aide/internal/orchestrator"
	"github.com/nidhogg/aide/internal/proactive"
	"github.com/nidhogg/aide/internal/store"
	"github.com/nidhogg/aide/internal/task"
)

var (
	testLogger   *zap.Logger
	testPG       *store.Store
	testGraph    *graph.InsightGraph
	testRedisURL string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		return 1
	}
	defer neo4jCleanup()
	testGraph, err = graph.New(ctx, neo4jURI, "", "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "insight graph: %v\n", err)
		return 1
	}
	defer testGraph.Close(ctx)
	if err := testGraph.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "graph schema: %v\n", err)
		return 1
	}

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return 1
	}
	defer pgCleanup()
	testPG, err = store.New(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		return 1
	}
	defer testPG.Close()
	if err := testPG.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	var redisCleanup func()
	testRedisURL, redisCleanup, err = startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		return 1
	}
	defer redisCleanup()

	return m.Run()
}

func newRedisBus(t *testing.T) *bus.RedisBus {
	t.Helper()
	b, err := bus.NewRedisBus(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("redis bus: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBusDirectAndBroadcast(t *testing.T) {
	b := newRedisBus(t)
	alice, err := b.Register("alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := b.Register("bob")
	if err != nil {
		t.Fatal(err)
	}

	ctx := t.Context()
	if err := b.Publish(ctx, bus.NewMessage("bob", "alice", bus.TypeRequest, map[string]any{"n": 1})); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-alice:
		if msg.From != "bob" || msg.Type != bus.TypeRequest {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("direct message not delivered")
	}

	if err := b.Publish(ctx, bus.NewMessage("alice", bus.Broadcast, bus.TypeNotification, nil)); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-bob:
		if msg.Type != bus.TypeNotification {
			t.Errorf("unexpected broadcast %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast not delivered")
	}
}

// TestDispatchOverRedisArchivesToPostgres runs a remember/recall round trip
// through a master on the Redis bus and checks the archive.
func TestDispatchOverRedisArchivesToPostgres(t *testing.T) {
	ctx := t.Context()
	b := newRedisBus(t)
	dir := t.TempDir()

	w := memory.NewWriter(testLogger)
	t.Cleanup(func() { w.Close() })
	u, err := memory.NewUnified(memory.UnifiedConfig{Dir: dir}, w, testLogger)
	if err != nil {
		t.Fatal(err)
	}

	m := orchestrator.NewMaster(b, orchestrator.DefaultConfig(), testLogger)
	m.SetArchiver(testPG)
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
	if err := m.AddAgent(agent.NewMemoryAgent(agent.MemoryStores{Unified: u}, b, agent.DefaultConfig(), testLogger)); err != nil {
		t.Fatal(err)
	}
	out := notify.NewBroadcaster(testLogger)
	out.Register(notify.NewLogSink(testLogger))
	if err := m.AddAgent(agent.NewNotifyAgent(out, b, agent.DefaultConfig(), testLogger)); err != nil {
		t.Fatal(err)
	}

	resp := m.Handle(ctx, orchestrator.Intent{TaskType: "remember", Content: "我喜欢喝美式咖啡"})
	if !resp.OK() {
		t.Fatalf("remember failed: %+v", resp)
	}
	resp = m.Handle(ctx, orchestrator.Intent{TaskType: "recall", Content: "咖啡"})
	if !resp.OK() || !strings.Contains(resp.Message, "美式咖啡") {
		t.Fatalf("recall failed: %+v", resp)
	}
	resp = m.Handle(ctx, orchestrator.Intent{TaskType: "notification", Content: "会议开始了"})
	if !resp.OK() || resp.Agent != agent.NotifyAgentName {
		t.Fatalf("notification failed: %+v", resp)
	}

	archived, err := testPG.Tasks(ctx, store.TaskQuery{Agent: agent.MemoryAgentName})
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) < 2 {
		t.Fatalf("expected archived memory tasks, got %d", len(archived))
	}
	for _, info := range archived {
		if info.Status != task.StatusCompleted || info.CompletedAt == nil {
			t.Errorf("unexpected archived task %+v", info)
		}
	}
}

func TestHistoryMirroredToPostgres(t *testing.T) {
	ctx := t.Context()
	w := memory.NewWriter(testLogger)
	t.Cleanup(func() { w.Close() })

	h := memory.NewHistory(t.TempDir(), testPG, w, testLogger)
	h.Add(ctx, memory.RoleUser, "明天提醒我买牛奶", "e2e-session")
	h.Add(ctx, memory.RoleAssistant, "好的，已记下", "e2e-session")

	got, err := testPG.History(ctx, "e2e-session", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Role != memory.RoleUser || got[1].Content != "好的，已记下" {
		t.Errorf("unexpected mirrored history %+v", got)
	}
}

// TestThinkingWithGraphInsights feeds weather queries into Neo4j and expects
// the engine to queue a weather push once the threshold is passed.
func TestThinkingWithGraphInsights(t *testing.T) {
	ctx := t.Context()
	cfg := proactive.DefaultThinkingConfig()
	cfg.Users = []string{"e2e_user"}
	cfg.WeatherThreshold = 2
	engine := proactive.NewThinkingEngine(nil, testGraph, nil, cfg, testLogger)

	for i := 0; i < 3; i++ {
		if err := engine.AddInsight(ctx, proactive.Insight{UserID: "e2e_user", Type: "weather_query", Content: fmt.Sprintf("查天气 %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	stored, err := testGraph.ByType(ctx, "e2e_user", "weather_query")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored insights, got %d", len(stored))
	}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	n, err := engine.Think(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one weather task, got %d", n)
	}
	if pending := engine.Drain(); pending[0].Type != "notification" {
		t.Errorf("unexpected task %+v", pending[0].Info())
	}
}
