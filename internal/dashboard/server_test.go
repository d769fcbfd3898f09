package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/metrics"
	"github.com/zulandar/beamyard/internal/stream"
)

const openBody = `{"history":[{"role":"user","text":"What is the capital of France?"}],"model":"mock/a"}`

func newTestServer(t *testing.T) (*beam.Store, *gin.Engine) {
	t.Helper()
	mock := llm.NewMockClient()
	mock.Default(llm.MockScript{Chunks: []string{"Par", "is"}})
	m := metrics.New()
	store := beam.New(beam.Options{
		Runner:  stream.NewRunner(stream.RunnerOpts{Client: mock, ThrottleHz: -1, Metrics: m}),
		Metrics: m,
	})
	t.Cleanup(func() {
		store.Close()
		store.Wait()
	})
	return store, NewRouter(StartOpts{Store: store, Metrics: m, Heartbeat: time.Hour})
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStart_NilStore(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil {
		t.Fatal("expected error for nil store")
	}
	if !strings.Contains(err.Error(), "store is required") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "store is required")
	}
}

func TestHealthz(t *testing.T) {
	_, router := newTestServer(t)
	w := do(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestServer(t)
	w := do(t, router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "beam_stream_active")
}

func TestMetricsEndpoint_AbsentWithoutMetrics(t *testing.T) {
	store := beam.New(beam.Options{})
	router := NewRouter(StartOpts{Store: store})
	w := do(t, router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"empty history", `{"history":[]}`, http.StatusBadRequest},
		{"unknown role", `{"history":[{"role":"robot","text":"hi"}]}`, http.StatusBadRequest},
		{"ends with assistant", `{"history":[{"role":"user","text":"hi"},{"role":"assistant","text":"yo"}]}`, http.StatusBadRequest},
		{"valid", openBody, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestServer(t)
			w := do(t, router, http.MethodPost, "/api/beam/open", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestClosedSession_Conflict(t *testing.T) {
	_, router := newTestServer(t)
	for _, path := range []string{"/api/beam/rays/start", "/api/beam/fusions/current/start"} {
		w := do(t, router, http.MethodPost, path, "")
		assert.Equal(t, http.StatusConflict, w.Code, path)
	}
}

func TestUnknownIDs_NotFound(t *testing.T) {
	_, router := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/beam/open", openBody).Code)

	tests := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/beam/rays/nope/start", ""},
		{http.MethodPost, "/api/beam/rays/nope/stop", ""},
		{http.MethodPost, "/api/beam/rays/nope/accept", ""},
		{http.MethodPut, "/api/beam/rays/nope/model", `{"model":"mock/b"}`},
		{http.MethodDelete, "/api/beam/rays/nope", ""},
		{http.MethodPut, "/api/beam/fusions/current", `{"id":"nope"}`},
		{http.MethodPost, "/api/beam/fusions/nope/accept", ""},
		{http.MethodPost, "/api/beam/fusions/nope/custom", ""},
	}
	for _, tt := range tests {
		w := do(t, router, tt.method, tt.path, tt.body)
		assert.Equal(t, http.StatusNotFound, w.Code, "%s %s", tt.method, tt.path)
	}
}

func TestRayCount(t *testing.T) {
	store, router := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPut, "/api/beam/rays/count", `{"count":0}`).Code)

	w := do(t, router, http.MethodPut, "/api/beam/rays/count", `{"count":4}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, store.State().Scatter.Rays, 4)
}

func TestEditInstruction_Errors(t *testing.T) {
	store, router := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/beam/open", openBody).Code)
	fuseID := store.State().Gather.CurrentID

	w := do(t, router, http.MethodPatch, "/api/beam/fusions/"+fuseID+"/instructions/0", `{"label":"x"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/api/beam/fusions/"+fuseID+"/custom", "")
	require.Equal(t, http.StatusOK, w.Code)
	var custom struct {
		ID         string `json:"id"`
		IsEditable bool   `json:"is_editable"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &custom))
	require.True(t, custom.IsEditable)

	base := "/api/beam/fusions/" + custom.ID + "/instructions/"
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPatch, base+"x", `{"label":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPatch, base+"9", `{"label":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPatch, base+"0", `{"output_kind":"poem"}`).Code)

	w = do(t, router, http.MethodPatch, base+"0", `{"label":"Merge carefully"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Merge carefully")
}

func TestChecklist_NothingPending(t *testing.T) {
	store, router := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/beam/open", openBody).Code)
	id := store.State().Gather.CurrentID

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/beam/fusions/"+id+"/checklist", `{}`).Code)
	assert.Equal(t, http.StatusConflict, do(t, router, http.MethodPost, "/api/beam/fusions/"+id+"/checklist", `{"selected":[0]}`).Code)
}

func TestScatterGatherAccept(t *testing.T) {
	store, router := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/beam/open", openBody).Code)

	fuseID := store.State().Gather.CurrentID
	assert.Equal(t, http.StatusConflict, do(t, router, http.MethodPost, "/api/beam/fusions/"+fuseID+"/accept", "").Code)

	require.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/api/beam/rays/start", "").Code)
	waitFor(t, func() bool { return store.State().Scatter.RaysReady == 2 })
	waitFor(t, func() bool { return !store.State().Scatter.IsScattering })

	rayID := store.State().Scatter.Rays[0].ID
	w := do(t, router, http.MethodPost, "/api/beam/rays/"+rayID+"/accept", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"source":"ray","source_id":"`+rayID+`","model_id":"mock/a","text":"Paris"}`, w.Body.String())

	require.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/api/beam/fusions/current/start", "").Code)
	waitFor(t, func() bool {
		for _, f := range store.State().Gather.Fusions {
			if f.ID == fuseID {
				return f.Status == gather.StatusSuccess
			}
		}
		return false
	})

	w = do(t, router, http.MethodPost, "/api/beam/fusions/"+fuseID+"/accept", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"source":"fusion"`)

	w = do(t, router, http.MethodGet, "/api/beam", "")
	require.Equal(t, http.StatusOK, w.Code)
	var state struct {
		Open    bool `json:"open"`
		Scatter struct {
			RaysReady int `json:"rays_ready"`
		} `json:"scatter"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.True(t, state.Open)
	assert.Equal(t, 2, state.Scatter.RaysReady)

	assert.Equal(t, http.StatusNoContent, do(t, router, http.MethodPost, "/api/beam/close", "").Code)
	assert.False(t, store.State().Open)
}

func TestImportAndSelect(t *testing.T) {
	store, router := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/beam/open", openBody).Code)

	w := do(t, router, http.MethodPost, "/api/beam/rays/import", `{"messages":["Paris.","It is Paris."]}`)
	require.Equal(t, http.StatusOK, w.Code)
	rays := store.State().Scatter.Rays
	require.Len(t, rays, 2)
	assert.True(t, rays[0].Imported)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/beam/rays/"+rays[1].ID+"/select", "").Code)
	assert.True(t, store.State().Scatter.Rays[1].UserSelected)
}

func TestEvents_StreamsState(t *testing.T) {
	store, router := newTestServer(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				events <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	next := func() string {
		select {
		case e := <-events:
			return e
		case <-time.After(3 * time.Second):
			t.Fatal("no event before deadline")
			return ""
		}
	}

	assert.Contains(t, next(), `"open":false`)

	store.SetRayCount(3)
	for {
		var state struct {
			Scatter struct {
				Rays []json.RawMessage `json:"rays"`
			} `json:"scatter"`
		}
		require.NoError(t, json.Unmarshal([]byte(next()), &state))
		if len(state.Scatter.Rays) == 3 {
			break
		}
	}
	cancel()
}
