package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/metrics"
	"github.com/jamesruggles/spectra/internal/report"
	"github.com/jamesruggles/spectra/internal/scanner"
	"github.com/jamesruggles/spectra/internal/tools"
	"github.com/jamesruggles/spectra/internal/worker"
	"github.com/jamesruggles/spectra/internal/workspace"
)

// queuedPool accepts tasks without running them, so triggered scans stay
// RUNNING for the duration of a test.
type queuedPool struct {
	mu    sync.Mutex
	tasks []worker.Task
}

func (p *queuedPool) Submit(task worker.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

type fixture struct {
	db   *database.DB
	hub  *Hub
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "spectra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := NewHub(nil)
	exec := scanner.NewExecutor(scanner.Options{
		DB:          db,
		Workspaces:  workspace.NewManager(workspace.Options{BaseDir: t.TempDir()}),
		Analyzers:   scanner.Analyzers(cfg.Scanner, tools.ExecRunner{}, nil, nil),
		Pool:        &queuedPool{},
		Broadcaster: hub,
		Metrics:     m,
	})

	s := New(Options{
		Config:   cfg,
		DB:       db,
		Executor: exec,
		Hub:      hub,
		Reports:  report.NewGenerator(db, t.TempDir(), ""),
		Gatherer: reg,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{db: db, hub: hub, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) createProject(t *testing.T) database.Project {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/projects", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var p database.Project
	require.NoError(t, json.Unmarshal(body, &p))
	return p
}

func TestProjectCRUD(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	assert.NotZero(t, p.ID)

	resp, _ := f.do(t, http.MethodPost, "/api/projects", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPut, "/api/projects/"+itoa(p.ID), map[string]any{
		"name":     "acme",
		"schedule": map[string]any{"enabled": true, "frequency": "weekly", "time": "03:00", "day": "Friday"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated database.Project
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "Friday", updated.Schedule.Day)

	resp, _ = f.do(t, http.MethodPut, "/api/projects/"+itoa(p.ID), map[string]any{
		"name":     "acme",
		"schedule": map[string]any{"enabled": true, "frequency": "weekly", "time": "3am"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/projects/999", map[string]any{"name": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/projects/"+itoa(p.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/projects/"+itoa(p.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/projects/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRepositoriesAndTargets(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	base := "/api/projects/" + itoa(p.ID)

	resp, body := f.do(t, http.MethodPost, base+"/repositories", map[string]any{"url": "https://github.com/acme/api.git"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var repo database.Repository
	require.NoError(t, json.Unmarshal(body, &repo))
	assert.Equal(t, "api", repo.Name)

	resp, _ = f.do(t, http.MethodPost, base+"/repositories", map[string]any{"url": "https://github.com/acme/api;rm -rf /"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, base+"/targets", map[string]any{"url": "ftp://acme.test"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, base+"/targets", map[string]any{"url": "https://acme.test"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/projects/999/targets", map[string]any{"url": "https://acme.test"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, base+"/repositories", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var repos []database.Repository
	require.NoError(t, json.Unmarshal(body, &repos))
	require.Len(t, repos, 1)

	resp, _ = f.do(t, http.MethodDelete, "/api/repositories/"+itoa(repo.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTriggerScan(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	base := "/api/projects/" + itoa(p.ID)

	resp, _ := f.do(t, http.MethodPost, base+"/scans", map[string]any{"kind": "everything"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, base+"/scans", map[string]any{
		"kind":   "code",
		"config": map[string]any{"include_secrets": true},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var scan database.Scan
	require.NoError(t, json.Unmarshal(body, &scan))
	assert.Equal(t, database.StatusRunning, scan.Status)

	stored, err := f.db.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusRunning, stored.Status)
	assert.True(t, stored.Config.IncludeSecrets)

	// Already queued in this process.
	resp, _ = f.do(t, http.MethodPost, "/api/scans/"+itoa(scan.ID)+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Running scans cannot be deleted.
	resp, _ = f.do(t, http.MethodDelete, "/api/scans/"+itoa(scan.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/projects/999/scans", map[string]any{"kind": "web"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/scans/recent", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recent []database.Scan
	require.NoError(t, json.Unmarshal(body, &recent))
	assert.Len(t, recent, 1)
}

func TestFinishedScanEndpoints(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	s := &database.Scan{ProjectID: p.ID, Kind: database.KindCode}
	require.NoError(t, f.db.CreateScan(s))
	require.NoError(t, f.db.FailScan(s.ID, "workspace: disk full"))

	resp, _ := f.do(t, http.MethodPost, "/api/scans/"+itoa(s.ID)+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/scans/"+itoa(s.ID)+"/findings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"vulnerabilities":[],"quality_issues":[],"secrets":[]}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/scans/"+itoa(s.ID)+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "workspace: disk full")

	resp, _ = f.do(t, http.MethodGet, "/api/scans/"+itoa(s.ID)+"/report?format=pdf", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/scans/999/findings", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/scans/"+itoa(s.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettingsHideToken(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/api/settings", map[string]any{
		"company_name": "Acme", "language": "en", "github_token": "ghp_secret",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "ghp_secret")
	assert.Contains(t, string(body), `"github_token_set":true`)

	// Omitting the token keeps it.
	_, _ = f.do(t, http.MethodPut, "/api/settings", map[string]any{"company_name": "Acme Corp"})
	settings, err := f.db.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", settings.GitHubToken)
	assert.Equal(t, "Acme Corp", settings.CompanyName)
}

func TestStatsAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.createProject(t)

	resp, body := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"project_count":1`)

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "spectra_scans_in_flight")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestWebSocketStreamsScanProgress(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	s := &database.Scan{ProjectID: p.ID, Kind: database.KindWeb}
	require.NoError(t, f.db.CreateScan(s))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	sub, _ := json.Marshal(wsSubscribeMsg{ScanID: s.ID})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))
	require.Eventually(t, func() bool { return f.hub.Subscribers(s.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	f.hub.Broadcast(s.ID, tools.OutputLine{Stream: "status", Line: "nuclei started"})
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var line tools.OutputLine
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "nuclei started", line.Line)
	assert.False(t, line.Done)
}

func TestWebSocketFinishedScanGetsDone(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t)
	s := &database.Scan{ProjectID: p.ID, Kind: database.KindWeb}
	require.NoError(t, f.db.CreateScan(s))
	require.NoError(t, f.db.FailScan(s.ID, "boom"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?scan_id=" + itoa(s.ID)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var line tools.OutputLine
	require.NoError(t, json.Unmarshal(data, &line))
	assert.True(t, line.Done)
	assert.Equal(t, "Scan FAILED", line.Line)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, validateSchedule(database.Schedule{}))
	assert.NoError(t, validateSchedule(database.Schedule{Enabled: true, Frequency: "daily", Time: "23:59"}))
	assert.Error(t, validateSchedule(database.Schedule{Enabled: true, Frequency: "daily", Time: "24:00"}))
	assert.Error(t, validateSchedule(database.Schedule{Enabled: true, Frequency: "weekly", Time: "01:00", Day: "Funday"}))
	assert.Error(t, validateSchedule(database.Schedule{Enabled: true, Frequency: "monthly", Time: "01:00"}))
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
