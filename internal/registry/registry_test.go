package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Crewdle/mist-connector-llamacpp/internal/engine"
	"github.com/Crewdle/mist-connector-llamacpp/internal/enginetest"
	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

// helper: create a dummy weight file so artifact cleanup has something real.
func createWeightFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return p
}

func newTestRegistry(eng *enginetest.Engine) *Registry {
	return NewWithConfig(Config{
		Engine:    eng,
		Logger:    zerolog.Nop(),
		Publisher: NewMemoryPublisher(),
		Sequences: 2,
	})
}

func TestRegisterIsIdempotentAndLazy(t *testing.T) {
	eng := enginetest.New()
	r := newTestRegistry(eng)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.Register(ctx, "w1", "m1", "m1.gguf", types.ModalityText); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if eng.Loads() != 0 {
		t.Fatalf("text model loaded eagerly: %d loads", eng.Loads())
	}
	st := r.Status()
	if len(st) != 1 || st[0].ID != "m1" || st[0].Loaded {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(st[0].Workflows) != 1 || st[0].Workflows[0] != "w1" {
		t.Fatalf("unexpected workflows: %+v", st[0].Workflows)
	}
}

func TestAcquireHandleLoadsOnceWhileReferenced(t *testing.T) {
	eng := enginetest.New()
	r := newTestRegistry(eng)
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "m1", "m1.gguf", types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, "w2", "m1", "m1.gguf", types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	h1, err := r.AcquireHandle(ctx, "m1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h2, err := r.AcquireHandle(ctx, "m1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected shared handle")
	}
	if eng.Loads() != 1 {
		t.Fatalf("expected 1 load got %d", eng.Loads())
	}
	// Releasing one workflow must not dispose the shared handle.
	r.Release("w1")
	if eng.Models()[0].Closed() {
		t.Fatalf("handle disposed while w2 still references it")
	}
	r.Release("w2")
	if !eng.Models()[0].Closed() {
		t.Fatalf("handle not disposed after last reference")
	}
	if eng.Models()[0].CloseCount != 1 {
		t.Fatalf("handle disposed %d times", eng.Models()[0].CloseCount)
	}
}

func TestAcquireHandleUnknownModel(t *testing.T) {
	r := newTestRegistry(enginetest.New())
	_, err := r.AcquireHandle(context.Background(), "ghost")
	if !IsModelNotRegistered(err) {
		t.Fatalf("expected ErrModelNotRegistered got %v", err)
	}
}

func TestSingleActiveTextModelEviction(t *testing.T) {
	eng := enginetest.New()
	r := newTestRegistry(eng)
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "a", "a.gguf", types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, "w1", "b", "b.gguf", types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.AcquireHandle(ctx, "a"); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := r.AcquireHandle(ctx, "b"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	models := eng.Models()
	if !models[0].Closed() {
		t.Fatalf("first text handle still loaded after second text load")
	}
	if models[1].Closed() {
		t.Fatalf("second text handle disposed")
	}
	// Re-acquire a: b evicted, a reloaded.
	if _, err := r.AcquireHandle(ctx, "a"); err != nil {
		t.Fatalf("reacquire a: %v", err)
	}
	if !eng.Models()[1].Closed() {
		t.Fatalf("b still loaded after a reload")
	}
	if eng.Loads() != 3 {
		t.Fatalf("expected 3 loads got %d", eng.Loads())
	}
}

func TestVectorModelLoadsEagerly(t *testing.T) {
	eng := enginetest.New()
	r := newTestRegistry(eng)
	if err := r.Register(context.Background(), "w1", "emb", "emb.gguf", types.ModalityVector); err != nil {
		t.Fatalf("register: %v", err)
	}
	if eng.Loads() != 1 {
		t.Fatalf("vector model not loaded eagerly")
	}
	if !eng.Models()[0].Opts.Embedding {
		t.Fatalf("vector model loaded without embedding option")
	}
	ec, err := r.EmbeddingContext(context.Background(), "")
	if err != nil {
		t.Fatalf("embedding context: %v", err)
	}
	if ec == nil {
		t.Fatalf("nil embedding context")
	}
}

func TestEmbeddingContextWithoutVectorModel(t *testing.T) {
	r := newTestRegistry(enginetest.New())
	_, err := r.EmbeddingContext(context.Background(), "")
	if !IsEmbeddingContextNotInitialized(err) {
		t.Fatalf("expected ErrEmbeddingContextNotInitialized got %v", err)
	}
}

func TestLoadFailureCleansUpArtifact(t *testing.T) {
	dir := t.TempDir()
	p := createWeightFile(t, dir, "broken.gguf")
	eng := enginetest.New()
	eng.LoadErr = os.ErrInvalid
	r := newTestRegistry(eng)
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "broken", p, types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.AcquireHandle(ctx, "broken")
	if !IsResourceLoadFailure(err) {
		t.Fatalf("expected ErrResourceLoadFailure got %v", err)
	}
	if _, statErr := os.Stat(p); !os.IsNotExist(statErr) {
		t.Fatalf("broken artifact not removed")
	}
	// Entry must not keep a dangling handle.
	st := r.Status()
	if len(st) != 1 || st[0].Loaded {
		t.Fatalf("entry left half-initialized: %+v", st)
	}
}

func TestEngineUnavailableKeepsArtifact(t *testing.T) {
	dir := t.TempDir()
	p := createWeightFile(t, dir, "good.gguf")
	eng := enginetest.New()
	eng.LoadErr = engine.ErrEngineUnavailable("built without llama")
	r := newTestRegistry(eng)
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "good", p, types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.AcquireHandle(ctx, "good")
	if !IsResourceLoadFailure(err) {
		t.Fatalf("expected ErrResourceLoadFailure got %v", err)
	}
	// The runtime being absent says nothing about the weights on disk.
	if _, statErr := os.Stat(p); statErr != nil {
		t.Fatalf("weight file removed on engine-unavailable failure: %v", statErr)
	}
}

func TestCancelledLoadKeepsArtifact(t *testing.T) {
	dir := t.TempDir()
	p := createWeightFile(t, dir, "good.gguf")
	eng := enginetest.New()
	eng.LoadErr = context.Canceled
	r := newTestRegistry(eng)
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "good", p, types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.AcquireHandle(ctx, "good"); err == nil {
		t.Fatalf("expected load error")
	}
	if _, statErr := os.Stat(p); statErr != nil {
		t.Fatalf("weight file removed on cancelled load: %v", statErr)
	}
}

func TestSecondVectorModelStaysLazy(t *testing.T) {
	eng := enginetest.New()
	r := newTestRegistry(eng)
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "emb-a", "emb-a.gguf", types.ModalityVector); err != nil {
		t.Fatalf("register emb-a: %v", err)
	}
	if err := r.Register(ctx, "w2", "emb-b", "emb-b.gguf", types.ModalityVector); err != nil {
		t.Fatalf("register emb-b: %v", err)
	}
	// Registering a second vector model must not reload or replace the live
	// embedding context.
	if eng.Loads() != 1 {
		t.Fatalf("expected 1 load got %d", eng.Loads())
	}
	var news, closes int
	for _, ev := range eng.Events {
		switch ev {
		case "embedctx.new":
			news++
		case "embedctx.close":
			closes++
		}
	}
	if news != 1 || closes != 0 {
		t.Fatalf("embedding context churned: %d new, %d closed", news, closes)
	}
	// The second model still loads on demand when addressed directly.
	if _, err := r.EmbeddingContext(ctx, "emb-b"); err != nil {
		t.Fatalf("embedding context emb-b: %v", err)
	}
	if eng.Loads() != 2 {
		t.Fatalf("expected lazy load of emb-b, got %d loads", eng.Loads())
	}
}

func TestReleaseUnknownWorkflowIsNoop(t *testing.T) {
	r := newTestRegistry(enginetest.New())
	r.Release("never-registered")
	r.Release("never-registered")
}

func TestSequenceLeaseBackpressure(t *testing.T) {
	eng := enginetest.New()
	r := newTestRegistry(eng) // 2 sequences per context
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "m", "m.gguf", types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	l1, err := r.AcquireSequence(ctx, "m")
	if err != nil {
		t.Fatalf("lease 1: %v", err)
	}
	l2, err := r.AcquireSequence(ctx, "m")
	if err != nil {
		t.Fatalf("lease 2: %v", err)
	}
	if _, err := r.AcquireSequence(ctx, "m"); !IsTooBusy(err) {
		t.Fatalf("expected ErrTooBusy got %v", err)
	}
	l1.Release()
	l3, err := r.AcquireSequence(ctx, "m")
	if err != nil {
		t.Fatalf("lease after release: %v", err)
	}
	l2.Release()
	l3.Release()
	l3.Release() // idempotent
}

func TestEvictionWaitsForLeases(t *testing.T) {
	eng := enginetest.New()
	r := newTestRegistry(eng)
	ctx := context.Background()
	if err := r.Register(ctx, "w1", "a", "a.gguf", types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(ctx, "w1", "b", "b.gguf", types.ModalityText); err != nil {
		t.Fatalf("register: %v", err)
	}
	lease, err := r.AcquireSequence(ctx, "a")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	// Loading b evicts a's handle, but the close must wait for the lease.
	if _, err := r.AcquireHandle(ctx, "b"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if eng.Models()[0].Closed() {
		t.Fatalf("handle a closed while a lease was out")
	}
	lease.Release()
	if !eng.Models()[0].Closed() {
		t.Fatalf("handle a not closed after last lease drained")
	}
}

func TestScanDir(t *testing.T) {
	dir := t.TempDir()
	createWeightFile(t, dir, "tiny.gguf")
	createWeightFile(t, dir, "notes.txt")
	models, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model got %d", len(models))
	}
	if _, ok := models["tiny"]; !ok {
		t.Fatalf("missing tiny: %+v", models)
	}
}
