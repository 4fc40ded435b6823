package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/pellet-ingest/internal/database/dbtest"
	"github.com/smukkama/pellet-ingest/internal/ledger"
	"github.com/smukkama/pellet-ingest/internal/metrics"
	"github.com/smukkama/pellet-ingest/internal/orchestrator"
)

const header = "Datum;Zeit;AT [°C];ATakt [°C];HK1 VL Ist[°C];HK1 VL Soll[°C];PE1 KT[°C];PE1 KT_SOLL[°C];" +
	"PE1 Modulation[%];PE1 Saugzug[%];PE1 Runtime[h];PE1 Status;WW1 EinT Ist[°C];WW1 AusT Ist[°C];\n"

type testServer struct {
	dir    string
	store  *dbtest.Memory
	orch   *orchestrator.Orchestrator
	engine *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{dir: t.TempDir(), store: dbtest.NewMemory()}
	reg := prometheus.NewRegistry()
	o, err := orchestrator.New(orchestrator.Options{
		DropDirs:   []string{ts.dir},
		FilePrefix: "touch",
		Schedule:   "0 */6 * * *",
	}, orchestrator.Deps{
		Store:   ts.store,
		Ledger:  ledger.New(ts.store, nil),
		Metrics: metrics.New(reg),
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)
	ts.orch = o
	ts.engine = New(o, ts.store, reg, nil).Engine()
	return ts
}

func (ts *testServer) drop(t *testing.T, name string, rows int) {
	t.Helper()
	var b strings.Builder
	b.WriteString(header)
	for i := range rows {
		fmt.Fprintf(&b, "1.11.2025;10:%02d:00;-2,5;-1,0;45,3;46,0;71,2;72,0;80;55;%d,5;99;48,1;52,9;\n", i, 100+i)
	}
	path := filepath.Join(ts.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	ts.engine.ServeHTTP(resp, req)
	return resp
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	return env.Data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
}

func TestRunCycle_ImportsAndListsFiles(t *testing.T) {
	ts := newTestServer(t)
	ts.drop(t, "touch_20251101.csv", 4)

	resp := ts.do(http.MethodPost, "/api/import/run", "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	res := decode[orchestrator.CycleResult](t, resp)
	assert.Equal(t, orchestrator.OutcomeImported, res.Outcome)
	assert.Equal(t, 4, res.RecordsImported)

	resp = ts.do(http.MethodGet, "/api/telemetry/files", "")
	require.Equal(t, http.StatusOK, resp.Code)
	files := decode[[]fileSummary](t, resp)
	require.Len(t, files, 1)
	assert.Equal(t, "touch_20251101.csv", files[0].Filename)
	assert.Equal(t, 4, files[0].RecordCount)

	resp = ts.do(http.MethodGet, "/api/telemetry/files/touch_20251101.csv", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]map[string]any](t, resp), 4)

	resp = ts.do(http.MethodGet, "/api/telemetry/files/touch_20991231.csv", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ts.do(http.MethodGet, "/api/import/history", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]orchestrator.CycleResult](t, resp), 1)

	resp = ts.do(http.MethodGet, "/api/import/status", "")
	require.Equal(t, http.StatusOK, resp.Code)
	st := decode[orchestrator.Status](t, resp)
	assert.Equal(t, 1, st.Stats.FilesProcessed)
	assert.False(t, st.MailConfigured)

	resp = ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "pellet_ingest_records_imported_total 4")
}

func TestRunCycle_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/import/run", `{"from":"03.11.2025"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(http.MethodPost, "/api/import/run", `{"from":"2025-11-05","to":"2025-11-03"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(http.MethodPost, "/api/import/run", `{"from":`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	outside := filepath.Join(t.TempDir(), "touch_20251101.csv")
	resp = ts.do(http.MethodPost, "/api/import/run", fmt.Sprintf(`{"files":[%q]}`, outside))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "not in a drop directory")
	assert.Zero(t, ts.store.RecordCount())
}

func TestRunCycle_ConflictWhileBusy(t *testing.T) {
	ts := newTestServer(t)
	ts.drop(t, "touch_20251101.csv", 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts.store.BeforeWrite = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ts.orch.RunCycle(context.Background(), orchestrator.CycleRequest{Trigger: orchestrator.TriggerTimer})
	}()
	<-entered

	resp := ts.do(http.MethodPost, "/api/import/run", "")
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), `"conflict"`)

	close(release)
	<-done
}

func TestTimerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/import/timer/start", "")
	require.Equal(t, http.StatusOK, resp.Code)
	timerStatus := decode[orchestrator.TimerStatus](t, resp)
	assert.True(t, timerStatus.Enabled)
	assert.NotNil(t, timerStatus.NextRun)

	resp = ts.do(http.MethodPut, "/api/import/timer/schedule", `{"schedule":"not cron"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(http.MethodPut, "/api/import/timer/schedule", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = ts.do(http.MethodPut, "/api/import/timer/schedule", `{"schedule":"30 2 * * *"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "30 2 * * *", decode[orchestrator.TimerStatus](t, resp).Schedule)

	resp = ts.do(http.MethodPost, "/api/import/timer/stop", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[orchestrator.TimerStatus](t, resp).Enabled)
}

func TestWatcherEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/import/watcher/start", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, decode[orchestrator.WatcherStatus](t, resp).Enabled)

	resp = ts.do(http.MethodPost, "/api/import/watcher/stop", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[orchestrator.WatcherStatus](t, resp).Enabled)
}

func TestPurgeLedger(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(http.MethodPost, "/api/ledger/purge", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"data":{"purged":0}}`, resp.Body.String())
}
