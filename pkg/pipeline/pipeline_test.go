package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-renderflow/pkg/cachestore"
	"github.com/illmade-knight/go-renderflow/pkg/fingerprint"
	"github.com/illmade-knight/go-renderflow/pkg/pipeline"
)

// --- Collaborator test doubles ---

type mockPromptSynth struct {
	calls    atomic.Int32
	response string
	err      error
	block    chan struct{} // optional gate for concurrency tests
}

func (m *mockPromptSynth) SynthesizePrompt(_ context.Context, _ map[string]any) (string, error) {
	m.calls.Add(1)
	if m.block != nil {
		<-m.block
	}
	return m.response, m.err
}

type mockImageSynth struct {
	calls  atomic.Int32
	result *pipeline.Synthesis
	err    error
}

func (m *mockImageSynth) EditImage(_ context.Context, _ string, _ []byte) (*pipeline.Synthesis, error) {
	m.calls.Add(1)
	return m.result, m.err
}

type mockAssetFetcher struct {
	calls atomic.Int32
	data  []byte
	err   error
}

func (m *mockAssetFetcher) FetchAsset(_ context.Context, _ string) ([]byte, error) {
	m.calls.Add(1)
	return m.data, m.err
}

type mockObjectStore struct {
	calls   atomic.Int32
	url     string
	err     error
	mu      sync.Mutex
	lastKey string
}

func (m *mockObjectStore) Store(_ context.Context, key string, _ []byte, _ string) (string, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastKey = key
	m.mu.Unlock()
	return m.url, m.err
}

// failingStore wraps a real store but rejects every write.
type failingStore struct {
	cachestore.Store
}

func (f *failingStore) Put(_ context.Context, _ *cachestore.Entry) error {
	return cachestore.ErrCacheWrite
}

type testHarness struct {
	store   cachestore.Store
	prompts *mockPromptSynth
	images  *mockImageSynth
	assets  *mockAssetFetcher
	objects *mockObjectStore
	orch    *pipeline.Orchestrator
}

func newHarness(t *testing.T, store cachestore.Store) *testHarness {
	t.Helper()
	if store == nil {
		store = cachestore.NewInMemoryStore()
	}
	h := &testHarness{
		store:   store,
		prompts: &mockPromptSynth{response: `{"scene":"studio"}`},
		images:  &mockImageSynth{result: &pipeline.Synthesis{AssetURL: "https://fake/x.png", RequestID: "req-abc"}},
		assets:  &mockAssetFetcher{data: []byte("png-bytes")},
		objects: &mockObjectStore{url: "https://store/y.png"},
	}
	orch, err := pipeline.NewOrchestrator(pipeline.Config{}, h.store, h.prompts, h.images, h.assets, h.objects, zerolog.Nop())
	require.NoError(t, err)
	h.orch = orch
	return h
}

func testRequest(t *testing.T) pipeline.Request {
	t.Helper()
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Earphone cover"}`), &meta))
	return pipeline.Request{Image: []byte("IMG_A"), Metadata: meta}
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	req := testRequest(t)

	// First run: a miss that pays for all three external stages.
	result, err := h.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "https://store/y.png", result.PersistedURL)
	assert.Equal(t, "https://fake/x.png", result.AssetURL)
	assert.Equal(t, map[string]any{"scene": "studio"}, result.Prompt)
	assert.False(t, result.CacheHit)

	fp, _, err := fingerprint.Compute(req.Image, req.Metadata)
	require.NoError(t, err)
	assert.Equal(t, fp.String(), result.Fingerprint)

	entry, ok := h.store.Get(ctx, fp.String())
	require.True(t, ok, "a successful run must leave a cache entry under the fingerprint")
	assert.Equal(t, fp.String(), entry.Fingerprint)

	// Second run: a hit that must not touch any collaborator again.
	cached, err := h.orch.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, cached.CacheHit)
	assert.Equal(t, result.PersistedURL, cached.PersistedURL)
	assert.Equal(t, int32(1), h.prompts.calls.Load(), "prompt synthesis must not run on a hit")
	assert.Equal(t, int32(1), h.images.calls.Load(), "image synthesis must not run on a hit")
	assert.Equal(t, int32(1), h.objects.calls.Load(), "persistence must not run on a hit")
}

func TestOrchestrator_UnparseablePromptFallsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prompts.response = "a moody studio shot, 85mm"

	result, err := h.orch.Run(ctx, testRequest(t))

	require.NoError(t, err, "an unparseable prompt payload must not fail the pipeline")
	assert.Equal(t, map[string]any{"prompt_text": "a moody studio shot, 85mm"}, result.Prompt)
}

func TestOrchestrator_EmptyAssetURLIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.images.result = &pipeline.Synthesis{AssetURL: ""}
	req := testRequest(t)

	_, err := h.orch.Run(ctx, req)

	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrUpstreamEmptyResult)
	assert.Equal(t, "UpstreamEmptyResult", pipeline.ErrorKind(err))

	fp, _, err := fingerprint.Compute(req.Image, req.Metadata)
	require.NoError(t, err)
	_, ok := h.store.Get(ctx, fp.String())
	assert.False(t, ok, "a failed run must not be cached")
}

func TestOrchestrator_TransportFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("prompt synthesis", func(t *testing.T) {
		h := newHarness(t, nil)
		h.prompts.err = errors.New("connection refused")
		_, err := h.orch.Run(ctx, testRequest(t))
		assert.ErrorIs(t, err, pipeline.ErrUpstreamTransport)
	})

	t.Run("image synthesis", func(t *testing.T) {
		h := newHarness(t, nil)
		h.images.err = errors.New("gateway timeout")
		h.images.result = nil
		_, err := h.orch.Run(ctx, testRequest(t))
		assert.ErrorIs(t, err, pipeline.ErrUpstreamTransport)
	})
}

func TestOrchestrator_PersistFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("asset fetch", func(t *testing.T) {
		h := newHarness(t, nil)
		h.assets.err = errors.New("transient url expired")
		h.assets.data = nil
		_, err := h.orch.Run(ctx, testRequest(t))
		assert.ErrorIs(t, err, pipeline.ErrPersist)
	})

	t.Run("object store write", func(t *testing.T) {
		h := newHarness(t, nil)
		h.objects.err = errors.New("bucket unavailable")
		h.objects.url = ""
		_, err := h.orch.Run(ctx, testRequest(t))
		assert.ErrorIs(t, err, pipeline.ErrPersist)
		assert.Equal(t, "PersistError", pipeline.ErrorKind(err))
	})
}

func TestOrchestrator_CacheWriteIsBestEffort(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &failingStore{Store: cachestore.NewInMemoryStore()})

	result, err := h.orch.Run(ctx, testRequest(t))

	require.NoError(t, err, "a cache write failure must not change the outcome")
	assert.Equal(t, "https://store/y.png", result.PersistedURL)
}

func TestOrchestrator_SerializationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.orch.Run(ctx, pipeline.Request{
		Image:    []byte("IMG_A"),
		Metadata: map[string]any{"bad": make(chan int)},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, fingerprint.ErrSerialization)
	assert.Equal(t, "SerializationError", pipeline.ErrorKind(err))
	assert.Zero(t, h.prompts.calls.Load(), "no external stage may run when hashing fails")
}

func TestOrchestrator_ObjectKeyUsesSourceIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"patent_id":"US123","title":"Earphone cover"}`), &meta))
	_, err := h.orch.Run(ctx, pipeline.Request{Image: []byte("IMG_A"), Metadata: meta})
	require.NoError(t, err)

	h.objects.mu.Lock()
	key := h.objects.lastKey
	h.objects.mu.Unlock()
	assert.Regexp(t, `^US123-\d+\.png$`, key)
}

func TestOrchestrator_SingleFlightCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prompts.block = make(chan struct{})
	req := testRequest(t)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*pipeline.Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = h.orch.Run(ctx, req)
		}(i)
	}

	// Let the callers pile up behind the blocked owner, then release it.
	time.Sleep(50 * time.Millisecond)
	close(h.prompts.block)
	wg.Wait()

	requestIDs := make(map[string]bool)
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "https://store/y.png", results[i].PersistedURL)
		require.NotEmpty(t, results[i].RequestID)
		requestIDs[results[i].RequestID] = true
	}
	assert.Len(t, requestIDs, callers, "each collapsed caller must carry its own request ID")
	assert.Equal(t, int32(1), h.images.calls.Load(), "concurrent identical requests must not duplicate the paid stages")
	assert.Equal(t, int32(1), h.objects.calls.Load())
}
