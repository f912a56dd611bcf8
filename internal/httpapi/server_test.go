package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Crewdle/mist-connector-llamacpp/internal/enginetest"
	"github.com/Crewdle/mist-connector-llamacpp/internal/index"
	"github.com/Crewdle/mist-connector-llamacpp/internal/pipeline"
	"github.com/Crewdle/mist-connector-llamacpp/internal/registry"
	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

var errBrokenWeights = errors.New("unreadable weights")

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	eng := enginetest.New()
	reg := registry.NewWithConfig(registry.Config{Engine: eng, Logger: zerolog.Nop()})
	idx, err := index.NewWithConfig(index.Config{Embedder: reg, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	p := pipeline.NewWithConfig(pipeline.Config{Registry: reg, Index: idx, Logger: zerolog.Nop()})
	srv := httptest.NewServer(NewServer(Config{Service: p, Logger: zerolog.Nop()}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func registerWorkflow(t *testing.T, srv *httptest.Server, workflow string, models map[string]types.ModelSpec) {
	t.Helper()
	resp := doJSON(t, http.MethodPut, srv.URL+"/workflows/"+workflow, types.RegisterRequest{Models: models})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("register workflow: status %d", resp.StatusCode)
	}
}

func textModels() map[string]types.ModelSpec {
	return map[string]types.ModelSpec{
		"llm": {Path: "/models/llm.gguf", Modality: types.ModalityText},
	}
}

func vectorModels() map[string]types.ModelSpec {
	return map[string]types.ModelSpec{
		"embed": {Path: "/models/embed.gguf", Modality: types.ModalityVector},
	}
}

func TestRegisterAndStatus(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", textModels())

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var status types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Models) != 1 || status.Models[0].ID != "llm" {
		t.Fatalf("unexpected status models: %+v", status.Models)
	}
	if status.Models[0].Loaded {
		t.Fatalf("text model must not be loaded before first job")
	}
}

func TestSyncJob(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", textModels())

	resp := doJSON(t, http.MethodPost, srv.URL+"/jobs", types.JobRequest{
		Model:     "llm",
		JobParams: types.JobParams{Prompt: "hello there"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job: status %d", resp.StatusCode)
	}
	var result types.JobResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !strings.HasPrefix(result.Output, "echo: ") {
		t.Fatalf("unexpected output %q", result.Output)
	}
	if result.InputTokens <= 0 {
		t.Fatalf("expected token accounting, got %+v", result)
	}
}

func TestStreamedJobNDJSON(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", textModels())

	resp := doJSON(t, http.MethodPost, srv.URL+"/jobs", types.JobRequest{
		Model:     "llm",
		Stream:    true,
		JobParams: types.JobParams{Prompt: "hello streaming"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream job: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("unexpected content type %q", ct)
	}
	var chunks []types.StreamChunk
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var chunk types.StreamChunk
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", scanner.Text(), err)
		}
		chunks = append(chunks, chunk)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected text chunks plus a done line, got %d", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if !last.Done || last.Error != "" {
		t.Fatalf("unexpected terminal chunk %+v", last)
	}
	var text strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		text.WriteString(c.Text)
	}
	if !strings.HasPrefix(text.String(), "echo: ") {
		t.Fatalf("unexpected streamed text %q", text.String())
	}
}

func TestJobErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", vectorModels())

	cases := []struct {
		name string
		req  types.JobRequest
		want int
	}{
		{"unknown model", types.JobRequest{Model: "ghost", JobParams: types.JobParams{Prompt: "x"}}, http.StatusNotFound},
		{"stream vector model", types.JobRequest{Model: "embed", Stream: true, JobParams: types.JobParams{Prompt: "x"}}, http.StatusBadRequest},
		{"missing prompt", types.JobRequest{Model: "embed"}, http.StatusBadRequest},
		{"missing model", types.JobRequest{JobParams: types.JobParams{Prompt: "x"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := doJSON(t, http.MethodPost, srv.URL+"/jobs", tc.req)
		var payload types.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status %d want %d (%s)", tc.name, resp.StatusCode, tc.want, payload.Error)
		}
	}
}

func TestRetrievalWithoutVectorModelIsCallerError(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", textModels())

	// Retrieval needs an embedding context; with only a text model registered
	// the request is a caller error, not a server fault.
	resp := doJSON(t, http.MethodPost, srv.URL+"/jobs", types.JobRequest{
		Model:     "llm",
		JobParams: types.JobParams{Prompt: "x", UseRetrieval: true},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("retrieval without vector model: status %d want 400", resp.StatusCode)
	}
}

func TestVectorLoadFailureMapsToServiceUnavailable(t *testing.T) {
	eng := enginetest.New()
	eng.LoadErr = errBrokenWeights
	reg := registry.NewWithConfig(registry.Config{Engine: eng, Logger: zerolog.Nop()})
	p := pipeline.NewWithConfig(pipeline.Config{Registry: reg, Logger: zerolog.Nop()})
	srv := httptest.NewServer(NewServer(Config{Service: p, Logger: zerolog.Nop()}).Handler())
	defer srv.Close()

	resp := doJSON(t, http.MethodPut, srv.URL+"/workflows/wf-1", types.RegisterRequest{Models: vectorModels()})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("vector load failure: status %d want 503", resp.StatusCode)
	}
}

func TestVectorJobReturnsEmbedding(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", vectorModels())

	resp := doJSON(t, http.MethodPost, srv.URL+"/jobs", types.JobRequest{
		Model:     "embed",
		JobParams: types.JobParams{Prompt: "vectorize me"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vector job: status %d", resp.StatusCode)
	}
	var result types.JobResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Embedding) == 0 {
		t.Fatalf("expected an embedding, got %+v", result)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", vectorModels())

	resp := doJSON(t, http.MethodPut, srv.URL+"/documents/facts", types.DocumentRequest{Content: "Paris is in France."})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put document: status %d", resp.StatusCode)
	}

	statusResp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status types.StatusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	statusResp.Body.Close()
	if len(status.Documents) != 1 || status.Documents[0] != "facts" {
		t.Fatalf("unexpected documents %v", status.Documents)
	}
	if status.ChunkCount == 0 {
		t.Fatalf("expected indexed chunks")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/documents/facts", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete document: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete document: status %d", delResp.StatusCode)
	}
}

func TestDocumentWithoutVectorModelFails(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/documents/facts", types.DocumentRequest{Content: "x"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a vector model, got %d", resp.StatusCode)
	}
}

func TestReleaseWorkflow(t *testing.T) {
	srv := newTestServer(t)
	registerWorkflow(t, srv, "wf-1", textModels())

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/workflows/wf-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("release: status %d", resp.StatusCode)
	}

	jobResp := doJSON(t, http.MethodPost, srv.URL+"/jobs", types.JobRequest{
		Model:     "llm",
		JobParams: types.JobParams{Prompt: "x"},
	})
	defer jobResp.Body.Close()
	if jobResp.StatusCode != http.StatusNotFound {
		t.Fatalf("job after release: status %d want 404", jobResp.StatusCode)
	}
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)

	// Wrong content type.
	resp, err := http.Post(srv.URL+"/jobs", "text/plain", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}

	// Malformed JSON.
	resp, err = http.Post(srv.URL+"/jobs", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	// Empty model map.
	putResp := doJSON(t, http.MethodPut, srv.URL+"/workflows/wf-1", types.RegisterRequest{})
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty model map, got %d", putResp.StatusCode)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestReadinessGate(t *testing.T) {
	eng := enginetest.New()
	reg := registry.NewWithConfig(registry.Config{Engine: eng, Logger: zerolog.Nop()})
	p := pipeline.NewWithConfig(pipeline.Config{Registry: reg, Logger: zerolog.Nop()})
	var ready atomic.Bool
	srv := httptest.NewServer(NewServer(Config{
		Service: p,
		Logger:  zerolog.Nop(),
		Ready:   ready.Load,
	}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}
	ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", resp.StatusCode)
	}
}
