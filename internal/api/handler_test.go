package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/capability"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/skills"
	"github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/toolserver"
	"github.com/nidhogg/overseer/internal/workspace"
)

const testToken = "tok-alice"

// fakeDB is an in-memory Persistence implementation.
type fakeDB struct {
	mu      sync.Mutex
	servers map[string]toolserver.ServerConfig
	touched map[string]string // session id -> work dir
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		servers: make(map[string]toolserver.ServerConfig),
		touched: make(map[string]string),
	}
}

func (f *fakeDB) CreateToolServer(_ context.Context, cfg toolserver.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[cfg.Name]; ok {
		return store.ErrConflict
	}
	f.servers[cfg.Name] = cfg
	return nil
}

func (f *fakeDB) UpdateToolServer(_ context.Context, cfg toolserver.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[cfg.Name]; !ok {
		return store.ErrNotFound
	}
	f.servers[cfg.Name] = cfg
	return nil
}

func (f *fakeDB) SetToolServerEnabled(_ context.Context, name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.servers[name]
	if !ok {
		return store.ErrNotFound
	}
	cfg.Enabled = enabled
	f.servers[name] = cfg
	return nil
}

func (f *fakeDB) GetToolServer(_ context.Context, name string) (toolserver.ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.servers[name]
	if !ok {
		return toolserver.ServerConfig{}, store.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeDB) ListToolServers(_ context.Context) ([]toolserver.ServerConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]toolserver.ServerConfig, 0, len(f.servers))
	for _, cfg := range f.servers {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeDB) ListEnabledToolServers(_ context.Context) ([]toolserver.ServerConfig, error) {
	all, _ := f.ListToolServers(context.Background())
	out := all[:0]
	for _, cfg := range all {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (f *fakeDB) DeleteToolServer(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[name]; !ok {
		return store.ErrNotFound
	}
	delete(f.servers, name)
	return nil
}

func (f *fakeDB) TouchSession(_ context.Context, id, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[id] = workDir
	return nil
}

// fakeToolClient is a canned transport for the connection manager.
type fakeToolClient struct {
	server string
	tools  []toolserver.ToolInfo
}

func (c *fakeToolClient) Connect(context.Context) error    { return nil }
func (c *fakeToolClient) Tools() []toolserver.ToolInfo     { return c.tools }
func (c *fakeToolClient) Close() error                     { return nil }
func (c *fakeToolClient) CallTool(_ context.Context, name string, _ map[string]interface{}) (string, error) {
	return "result of " + name, nil
}

func fakeDial(cfg toolserver.ServerConfig) toolserver.Client {
	return &fakeToolClient{
		server: cfg.Name,
		tools: []toolserver.ToolInfo{
			{Name: "lookup", QualifiedName: cfg.Name + ".lookup", Description: "look things up"},
			{Name: "submit", QualifiedName: cfg.Name + ".submit", Description: "submit things"},
		},
	}
}

// memNotifier is an in-process notify.Notifier with per-workdir fan-out.
type memNotifier struct {
	mu   sync.Mutex
	subs map[string][]chan notify.ChangeEvent
}

func newMemNotifier() *memNotifier {
	return &memNotifier{subs: make(map[string][]chan notify.ChangeEvent)}
}

func (n *memNotifier) Publish(_ context.Context, ev notify.ChangeEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	n.mu.Lock()
	targets := append([]chan notify.ChangeEvent(nil), n.subs[ev.WorkDir]...)
	n.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (n *memNotifier) Subscribe(ctx context.Context, workDir string) <-chan notify.ChangeEvent {
	ch := make(chan notify.ChangeEvent, 16)
	n.mu.Lock()
	n.subs[workDir] = append(n.subs[workDir], ch)
	n.mu.Unlock()
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		live := n.subs[workDir][:0]
		for _, c := range n.subs[workDir] {
			if c != ch {
				live = append(live, c)
			}
		}
		n.subs[workDir] = live
		n.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (n *memNotifier) Close() error { return nil }

// scriptedProc is a minimal session.Process for handler tests.
type scriptedProc struct {
	mu    sync.Mutex
	lines [][]byte
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

func newScriptedProc() *scriptedProc {
	return &scriptedProc{out: make(chan []byte, 16), done: make(chan struct{})}
}

func (p *scriptedProc) Send(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(line))
	copy(cp, line)
	p.lines = append(p.lines, cp)
	return nil
}

func (p *scriptedProc) Output() <-chan []byte { return p.out }
func (p *scriptedProc) Done() <-chan struct{} { return p.done }
func (p *scriptedProc) Err() error            { return nil }
func (p *scriptedProc) Kill() {
	p.once.Do(func() {
		close(p.out)
		close(p.done)
	})
}

func (p *scriptedProc) sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.lines))
	copy(out, p.lines)
	return out
}

type testEnv struct {
	handler  *Handler
	db       *fakeDB
	registry *session.Registry
	manager  *toolserver.Manager
	skills   *skills.Store
	notifier *memNotifier
	workRoot string
	procs    map[string]*scriptedProc
	procMu   sync.Mutex
}

func newTestEnv(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	db := newFakeDB()
	manager := toolserver.NewManager(db, fakeDial, logger)
	t.Cleanup(manager.Close)

	skillStore := skills.NewStore(t.TempDir(), t.TempDir(), logger)
	caps := &capability.Source{Manager: manager, Skills: skillStore}

	env := &testEnv{
		db:       db,
		manager:  manager,
		skills:   skillStore,
		notifier: newMemNotifier(),
		workRoot: t.TempDir(),
		procs:    make(map[string]*scriptedProc),
	}
	start := func(workDir string) (session.Process, error) {
		p := newScriptedProc()
		env.procMu.Lock()
		env.procs[workDir] = p
		env.procMu.Unlock()
		return p, nil
	}
	env.registry = session.NewRegistry(env.workRoot, start, caps, logger)
	t.Cleanup(env.registry.Close)

	syncer := workspace.NewSyncer(db, env.notifier, logger)
	verifier := auth.NewStaticVerifier(map[string]string{testToken: "alice"})
	env.handler = NewHandler(env.registry, manager, skillStore, db, syncer, env.notifier, verifier, logger)

	ts := httptest.NewServer(env.handler.Router())
	t.Cleanup(ts.Close)
	return env, ts
}

func doJSON(t *testing.T, method, url string, body interface{}, token string) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
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

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestEnv(t)

	resp := doJSON(t, "GET", ts.URL+"/api/health", nil, "")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestToolServerCRUD(t *testing.T) {
	_, ts := newTestEnv(t)

	// List starts empty
	resp := doJSON(t, "GET", ts.URL+"/api/toolservers", nil, "")
	var views []toolServerView
	decodeJSON(t, resp, &views)
	if len(views) != 0 {
		t.Fatalf("expected empty list, got %d", len(views))
	}

	// Create
	resp = doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"name":      "weather",
		"transport": "sse",
		"url":       "http://localhost:9999/sse",
		"enabled":   false,
	}, "")
	if resp.StatusCode != 201 {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Duplicate name conflicts
	resp = doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"name":      "weather",
		"transport": "sse",
		"url":       "http://localhost:9999/sse",
	}, "")
	if resp.StatusCode != 409 {
		t.Fatalf("duplicate create: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Get
	resp = doJSON(t, "GET", ts.URL+"/api/toolservers/weather", nil, "")
	if resp.StatusCode != 200 {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	var view toolServerView
	decodeJSON(t, resp, &view)
	if view.Transport != "sse" {
		t.Errorf("expected transport sse, got %q", view.Transport)
	}
	if view.Status.State != toolserver.StateDisconnected {
		t.Errorf("expected disconnected status, got %q", view.Status.State)
	}

	// Get unknown
	resp = doJSON(t, "GET", ts.URL+"/api/toolservers/nope", nil, "")
	if resp.StatusCode != 404 {
		t.Fatalf("get unknown: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Update
	resp = doJSON(t, "PUT", ts.URL+"/api/toolservers/weather", map[string]interface{}{
		"transport": "sse",
		"url":       "http://localhost:8888/sse",
		"enabled":   false,
	}, "")
	if resp.StatusCode != 200 {
		t.Fatalf("update: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Delete, then get confirms 404
	resp = doJSON(t, "DELETE", ts.URL+"/api/toolservers/weather", nil, "")
	if resp.StatusCode != 204 {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "GET", ts.URL+"/api/toolservers/weather", nil, "")
	if resp.StatusCode != 404 {
		t.Fatalf("get after delete: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateToolServerValidation(t *testing.T) {
	_, ts := newTestEnv(t)

	resp := doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"transport": "sse",
		"url":       "http://localhost/sse",
	}, "")
	if resp.StatusCode != 400 {
		t.Fatalf("missing name: expected 400, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, resp, &body)
	if body.Error == "" {
		t.Error("validation failure carried no error message")
	}

	resp = doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"name":      "x",
		"transport": "carrier-pigeon",
	}, "")
	if resp.StatusCode != 400 {
		t.Fatalf("bad transport: expected 400, got %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &body)
	if body.Error == "" {
		t.Error("transport rejection carried no error message")
	}
}

func TestConnectExposesToolCatalog(t *testing.T) {
	env, ts := newTestEnv(t)

	resp := doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"name":      "weather",
		"transport": "sse",
		"url":       "http://localhost:9999/sse",
		"enabled":   true,
	}, "")
	if resp.StatusCode != 201 {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "POST", ts.URL+"/api/toolservers/weather/connect", nil, "")
	if resp.StatusCode != 202 {
		t.Fatalf("connect: expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	waitFor(t, func() bool {
		return env.manager.Status("weather").State == toolserver.StateConnected
	})

	resp = doJSON(t, "GET", ts.URL+"/api/toolservers/weather/tools", nil, "")
	var tools []toolserver.ToolInfo
	decodeJSON(t, resp, &tools)
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].QualifiedName != "weather.lookup" {
		t.Errorf("expected qualified name weather.lookup, got %q", tools[0].QualifiedName)
	}

	// Disconnect clears the visible catalog.
	resp = doJSON(t, "POST", ts.URL+"/api/toolservers/weather/disconnect", nil, "")
	var st toolserver.Status
	decodeJSON(t, resp, &st)
	if st.State != toolserver.StateDisconnected {
		t.Errorf("expected disconnected, got %q", st.State)
	}
	resp = doJSON(t, "GET", ts.URL+"/api/toolservers/weather/tools", nil, "")
	decodeJSON(t, resp, &tools)
	if len(tools) != 0 {
		t.Errorf("expected empty catalog after disconnect, got %d", len(tools))
	}
}

func TestConnectDisabledServerConflicts(t *testing.T) {
	_, ts := newTestEnv(t)

	resp := doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"name":      "dormant",
		"transport": "sse",
		"url":       "http://localhost:9999/sse",
		"enabled":   false,
	}, "")
	resp.Body.Close()

	resp = doJSON(t, "POST", ts.URL+"/api/toolservers/dormant/connect", nil, "")
	if resp.StatusCode != 409 {
		t.Fatalf("connect disabled: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCallTool(t *testing.T) {
	env, ts := newTestEnv(t)

	// Not connected yet: invocation refused without a network attempt.
	resp := doJSON(t, "POST", ts.URL+"/api/toolservers/weather/call", map[string]interface{}{
		"tool": "lookup",
	}, "")
	if resp.StatusCode != 404 {
		t.Fatalf("call before connect: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"name":      "weather",
		"transport": "sse",
		"url":       "http://localhost:9999/sse",
		"enabled":   true,
	}, "")
	resp.Body.Close()
	doJSON(t, "POST", ts.URL+"/api/toolservers/weather/connect", nil, "").Body.Close()
	waitFor(t, func() bool {
		return env.manager.Status("weather").State == toolserver.StateConnected
	})

	resp = doJSON(t, "POST", ts.URL+"/api/toolservers/weather/call", map[string]interface{}{
		"tool": "lookup",
		"args": map[string]interface{}{"city": "tokyo"},
	}, "")
	if resp.StatusCode != 200 {
		t.Fatalf("call: expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["result"] != "result of lookup" {
		t.Errorf("unexpected result %q", body["result"])
	}
}

func TestWorkspaceArtifactSyncedOnMutation(t *testing.T) {
	env, ts := newTestEnv(t)

	// A live session gives the syncer a workspace to write into.
	if _, err := env.registry.GetOrCreate("s1"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	resp := doJSON(t, "POST", ts.URL+"/api/toolservers", map[string]interface{}{
		"name":      "weather",
		"transport": "sse",
		"url":       "http://localhost:9999/sse",
		"enabled":   true,
	}, "")
	if resp.StatusCode != 201 {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	path := workspace.ArtifactPath(env.registry.WorkDir("s1"))
	waitFor(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var artifact struct {
		ToolServers []toolserver.ServerConfig `json:"tool_servers"`
	}
	if err := json.Unmarshal(data, &artifact); err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	if len(artifact.ToolServers) != 1 || artifact.ToolServers[0].Name != "weather" {
		t.Fatalf("unexpected artifact contents: %s", data)
	}
}

func seedSessionSkill(t *testing.T, workDir, name string) {
	t.Helper()
	dir := filepath.Join(skills.SessionDir(workDir), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	def := []byte(`{"name":"` + name + `","description":"test skill","enabled":true}`)
	if err := os.WriteFile(filepath.Join(dir, "skill.json"), def, 0o644); err != nil {
		t.Fatalf("write skill.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompt.md"), []byte("do the thing\n"), 0o644); err != nil {
		t.Fatalf("write prompt.md: %v", err)
	}
}

func TestSkillPromoteRequiresIdentity(t *testing.T) {
	_, ts := newTestEnv(t)

	resp := doJSON(t, "POST", ts.URL+"/api/skills/promote", map[string]string{
		"session_id": "s1",
		"name":       "summarize",
	}, "")
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSkillPromoteDemote(t *testing.T) {
	env, ts := newTestEnv(t)

	workDir := env.registry.WorkDir("s1")
	seedSessionSkill(t, workDir, "summarize")

	resp := doJSON(t, "POST", ts.URL+"/api/skills/promote", map[string]string{
		"session_id": "s1",
		"name":       "summarize",
	}, testToken)
	if resp.StatusCode != 200 {
		t.Fatalf("promote: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Gone from the session tier, listed in the user tier.
	resp = doJSON(t, "GET", ts.URL+"/api/skills?tier=session&session=s1", nil, testToken)
	var list []*skills.Skill
	decodeJSON(t, resp, &list)
	if len(list) != 0 {
		t.Fatalf("session tier: expected 0 skills, got %d", len(list))
	}
	resp = doJSON(t, "GET", ts.URL+"/api/skills?tier=user", nil, testToken)
	decodeJSON(t, resp, &list)
	if len(list) != 1 || list[0].Name != "summarize" {
		t.Fatalf("user tier: expected [summarize], got %+v", list)
	}

	// Promoting again is a not-found, the source moved.
	resp = doJSON(t, "POST", ts.URL+"/api/skills/promote", map[string]string{
		"session_id": "s1",
		"name":       "summarize",
	}, testToken)
	if resp.StatusCode != 404 {
		t.Fatalf("re-promote: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "POST", ts.URL+"/api/skills/demote", map[string]string{
		"session_id": "s1",
		"name":       "summarize",
	}, testToken)
	if resp.StatusCode != 200 {
		t.Fatalf("demote: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", ts.URL+"/api/skills?tier=session&session=s1", nil, testToken)
	decodeJSON(t, resp, &list)
	if len(list) != 1 || list[0].Name != "summarize" {
		t.Fatalf("after demote: expected [summarize] in session tier, got %+v", list)
	}
}

func TestSkillListUnknownTier(t *testing.T) {
	_, ts := newTestEnv(t)

	resp := doJSON(t, "GET", ts.URL+"/api/skills?tier=galactic", nil, "")
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionListAndDispose(t *testing.T) {
	env, ts := newTestEnv(t)

	resp := doJSON(t, "GET", ts.URL+"/api/sessions", nil, "")
	var views []sessionView
	decodeJSON(t, resp, &views)
	if len(views) != 0 {
		t.Fatalf("expected no sessions, got %d", len(views))
	}

	if _, err := env.registry.GetOrCreate("s1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	resp = doJSON(t, "GET", ts.URL+"/api/sessions", nil, "")
	decodeJSON(t, resp, &views)
	if len(views) != 1 || views[0].ID != "s1" {
		t.Fatalf("expected [s1], got %+v", views)
	}
	if views[0].State != session.StateActive {
		t.Errorf("expected active state, got %q", views[0].State)
	}

	resp = doJSON(t, "DELETE", ts.URL+"/api/sessions/s1", nil, "")
	if resp.StatusCode != 204 {
		t.Fatalf("dispose: expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, "GET", ts.URL+"/api/sessions", nil, "")
	decodeJSON(t, resp, &views)
	if len(views) != 0 {
		t.Fatalf("expected no sessions after dispose, got %d", len(views))
	}
}
