package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synergize/pkg/agreement"
	"github.com/kadirpekel/synergize/pkg/analytics"
	"github.com/kadirpekel/synergize/pkg/compressor"
	"github.com/kadirpekel/synergize/pkg/config"
	"github.com/kadirpekel/synergize/pkg/convstate"
	"github.com/kadirpekel/synergize/pkg/models"
	"github.com/kadirpekel/synergize/pkg/orchestrator"
	"github.com/kadirpekel/synergize/pkg/pool"
	"github.com/kadirpekel/synergize/pkg/runtime"
	"github.com/kadirpekel/synergize/pkg/store"
	"github.com/kadirpekel/synergize/pkg/stream"
)

const (
	gemmaID = "gemma-test"
	qwenID  = "qwen-test"
)

type testStack struct {
	server *httptest.Server
	rt     *runtime.FakeRuntime
	mem    *store.MemoryStore
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	dir := t.TempDir()
	for _, name := range []string{gemmaID + ".gguf", qwenID + ".gguf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("gguf"), 0o644))
	}
	registry, err := models.NewRegistry(dir, nil)
	require.NoError(t, err)

	rt := runtime.NewFakeRuntime()
	rt.Responses["You are Gemma"] = "Split the factors. The answer is 255."
	rt.Responses["You are Qwen"] = "Distribute instead. The answer is 255."
	rt.Responses["Respond with a JSON object with keys"] = `{"agreements":[],"disagreements":[],"newQuestions":[],"keyInsights":[]}`
	rt.Responses["Synthesize the discussion below"] = "The answer is 255."
	rt.Embeddings["Split the factors. The answer is 255."] = []float32{1, 0, 0, 0, 0, 0, 0, 0}
	rt.Embeddings["Distribute instead. The answer is 255."] = []float32{0.6, 0.8, 0, 0, 0, 0, 0, 0}

	p, err := pool.New(pool.Config{Runtime: rt, MaxPerModel: 2}, registry.Specs(models.RuntimeOverrides{}))
	require.NoError(t, err)

	mem := store.NewMemoryStore()
	st := store.Store(store.WithRetry(mem))
	stateMgr, err := convstate.NewManager(st, nil)
	require.NoError(t, err)

	curator, err := analytics.NewPoolCurator(p, qwenID)
	require.NoError(t, err)
	engine, err := analytics.NewEngine(curator, st, nil, nil)
	require.NoError(t, err)
	comp, err := compressor.New(curator, nil, nil)
	require.NoError(t, err)
	agree, err := agreement.NewEngine(curator, nil)
	require.NoError(t, err)

	hub := stream.NewHub(nil)
	orch, err := orchestrator.New(orchestrator.Config{
		SessionTimeout: 30 * time.Second,
		AcquireTimeout: 2 * time.Second,
	}, orchestrator.Deps{
		Registry:   registry,
		Pool:       p,
		State:      stateMgr,
		Analytics:  engine,
		Compressor: comp,
		Agreement:  agree,
		Hub:        hub,
		Store:      st,
	})
	require.NoError(t, err)

	cfg := config.Default()
	s, err := New(cfg, Deps{
		Orchestrator: orch,
		Hub:          hub,
		Registry:     registry,
		Store:        st,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &testStack{server: ts, rt: rt, mem: mem}
}

func (ts *testStack) initiate(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.server.URL+"/api/synergize/initiate",
		"application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func TestInitiate_OK(t *testing.T) {
	ts := newTestStack(t)
	resp := ts.initiate(t, `{"prompt":"What is 15 x 17?","models":["`+gemmaID+`","`+qwenID+`"],"sessionId":"s1"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "s1", out["sessionId"])
	assert.NotEmpty(t, out["message"])
}

func TestInitiate_ValidationFailures(t *testing.T) {
	ts := newTestStack(t)
	cases := []string{
		`{"prompt":"","models":["` + gemmaID + `","` + qwenID + `"],"sessionId":"s1"}`,
		`{"prompt":"q","models":["` + gemmaID + `"],"sessionId":"s1"}`,
		`{"prompt":"q","models":["` + gemmaID + `","` + qwenID + `"],"sessionId":""}`,
		`{"prompt":"q","models":["` + gemmaID + `","nope"],"sessionId":"s1"}`,
		`not json`,
	}
	for _, body := range cases {
		resp := ts.initiate(t, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
		resp.Body.Close()
	}
}

func TestModels_ListsDiscovered(t *testing.T) {
	ts := newTestStack(t)
	resp, err := http.Get(ts.server.URL + "/api/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Models []models.ModelConfig `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Models, 2)
	assert.Equal(t, gemmaID, out.Models[0].ID)
}

func TestHealth_OK(t *testing.T) {
	ts := newTestStack(t)
	resp, err := http.Get(ts.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report map[string]struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "ok", report["memory"].Status)
	assert.Equal(t, "ok", report["stateStore"].Status)
	assert.Equal(t, "ok", report["models"].Status)
}

func TestMetrics_Exposed(t *testing.T) {
	ts := newTestStack(t)
	resp, err := http.Get(ts.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStream_UnknownSessionIsGone(t *testing.T) {
	ts := newTestStack(t)
	resp, err := http.Get(ts.server.URL + "/api/synergize/stream/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestStream_StaleSessionIsGone(t *testing.T) {
	ts := newTestStack(t)
	stale := orchestrator.SessionData{
		Prompt:    "q",
		Models:    []string{gemmaID, qwenID},
		Status:    "initiated",
		CreatedAt: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, ts.mem.SetJSON(context.Background(),
		store.SessionDataKey("old"), stale, 0))

	resp, err := http.Get(ts.server.URL + "/api/synergize/stream/old")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestStream_EndToEnd(t *testing.T) {
	ts := newTestStack(t)
	resp := ts.initiate(t, `{"prompt":"What is 15 x 17?","models":["`+gemmaID+`","`+qwenID+`"],"sessionId":"e2e"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	streamResp, err := http.Get(ts.server.URL + "/api/synergize/stream/e2e")
	require.NoError(t, err)
	defer streamResp.Body.Close()

	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, "text/event-stream", streamResp.Header.Get("Content-Type"))

	var types []stream.EventType
	scanner := bufio.NewScanner(streamResp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev.Type)
		if ev.Type == stream.EventCollaborationComplete {
			break
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, stream.EventConnection, types[0], "stream must open with CONNECTION")
	assert.Equal(t, stream.EventCollaborationComplete, types[len(types)-1])
	assert.Contains(t, types, stream.EventPhaseUpdate)
	assert.Contains(t, types, stream.EventTokenChunk)
	assert.Contains(t, types, stream.EventAgreementAnalysis)

	// A finished session cannot be streamed again.
	second, err := http.Get(ts.server.URL + "/api/synergize/stream/e2e")
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusGone, second.StatusCode)
}
