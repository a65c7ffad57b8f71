package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miqa/internal/models"
	"miqa/pkg/checkpoint"
	"miqa/pkg/inference"
	"miqa/pkg/logging"
	"miqa/pkg/network"
	"miqa/pkg/queue"
	"miqa/pkg/results"
	"miqa/pkg/telemetry"
	"miqa/pkg/volume"
)

var testSpec = network.Spec{
	Input: models.Shape{Channels: 1, Depth: 2, Height: 2, Width: 2},
	Pool:  [3]int{1, 1, 1},
	Seed:  11,
}

func testFactory(schema models.Schema) (network.Model, error) {
	return testSpec.Build(schema.Width())
}

type fixture struct {
	dir      string
	image    string
	registry *inference.Registry
	store    *results.Store
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	modelsDir := filepath.Join(dir, "models")

	for _, schema := range []models.Schema{models.SchemaMix, models.SchemaT1} {
		m, err := testFactory(schema)
		require.NoError(t, err)
		file := inference.DefaultModels["MIQAMix-0"]
		if schema.Version == models.SchemaT1.Version {
			file = inference.DefaultModels["MIQAT1-0"]
		}
		require.NoError(t, checkpoint.Save(filepath.Join(modelsDir, file), checkpoint.New(m, schema.Version)))
	}

	image := filepath.Join(dir, "scan.nii.gz")
	v := models.NewVolume(models.Shape{Channels: 1, Depth: 3, Height: 3, Width: 3})
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	require.NoError(t, volume.SaveNIfTI(image, v))

	store, err := results.Open(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := &inference.Registry{
		Dir:     modelsDir,
		Models:  inference.DefaultModels,
		Factory: testFactory,
		Loader:  volume.NewFileLoader(),
		Logger:  logging.Discard(),
	}

	srv := New(registry, store)
	srv.Logger = logging.Discard()
	srv.Metrics = telemetry.New()
	registry.Metrics = srv.Metrics

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &fixture{dir: dir, image: image, registry: registry, store: store, server: srv, http: ts}
}

func (fx *fixture) post(t *testing.T, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(fx.http.URL+"/v1/evaluations", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	resp, err := http.Get(fx.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"MIQAMix-0", "MIQAT1-0"}, health.Models)
}

func TestCreateAndFetchEvaluation(t *testing.T) {
	fx := newFixture(t)

	resp := fx.post(t, EvaluationRequest{ImagePath: fx.image, ScanType: "T1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[EvaluationResponse](t, resp)
	require.NotNil(t, created.Evaluation)
	assert.Equal(t, "MIQAMix-0", created.Model)
	assert.Len(t, created.Results, models.SchemaMix.Width())
	assert.Contains(t, created.Scores, "no_metal_susceptibility")
	for name, score := range created.Scores {
		assert.True(t, score >= 0 && score <= 1, "%s = %g", name, score)
	}

	got, err := http.Get(fx.http.URL + "/v1/evaluations/" + created.ID)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	fetched := decode[EvaluationResponse](t, got)
	assert.Equal(t, created.Results, fetched.Results)

	list, err := http.Get(fx.http.URL + "/v1/evaluations?image_path=" + fx.image)
	require.NoError(t, err)
	defer list.Body.Close()
	all := decode[[]EvaluationResponse](t, list)
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)

	metrics, err := http.Get(fx.http.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body, _ := io.ReadAll(metrics.Body)
	assert.Contains(t, string(body), `miqa_evaluations_total{model="MIQAMix-0"} 1`)
}

func TestCreateEvaluationErrors(t *testing.T) {
	fx := newFixture(t)

	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"missing path", EvaluationRequest{ScanType: "T1"}, http.StatusBadRequest},
		{"unknown scan type", EvaluationRequest{ImagePath: fx.image, ScanType: "XR"}, http.StatusBadRequest},
		{"image not found", EvaluationRequest{ImagePath: filepath.Join(fx.dir, "nope.nii.gz"), ScanType: "T1"}, http.StatusNotFound},
		{"unknown model", EvaluationRequest{ImagePath: fx.image, Model: "bogus"}, http.StatusBadRequest},
		{"async without queue", EvaluationRequest{ImagePath: fx.image, ScanType: "T1", Async: true}, http.StatusNotImplemented},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := fx.post(t, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, decode[ErrorResponse](t, resp).Error)
		})
	}

	resp, err := http.Get(fx.http.URL + "/v1/evaluations/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAsyncEvaluationIsQueued(t *testing.T) {
	fx := newFixture(t)
	src := queue.NewMemorySource()
	fx.server.Queue = src

	resp := fx.post(t, EvaluationRequest{ImagePath: fx.image, ScanType: "DWI", Async: true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	queued := decode[QueuedResponse](t, resp)
	assert.Equal(t, "MIQAT1-0", queued.Model)

	jobs, err := src.Receive(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queued.ID, jobs[0].ID)
	assert.Equal(t, "MIQAT1-0", jobs[0].Model)

	// the worker stores it under the same id
	worker := queue.NewWorker(src, fx.registry, fx.store)
	worker.Logger = logging.Discard()
	_, err = worker.Process(context.Background(), jobs)
	require.NoError(t, err)

	got, err := http.Get(fx.http.URL + "/v1/evaluations/" + queued.ID)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
}

type recordingReloader struct {
	*inference.Registry
	mu       sync.Mutex
	reloaded []string
}

func (r *recordingReloader) Reload(name string) {
	r.mu.Lock()
	r.reloaded = append(r.reloaded, name)
	r.mu.Unlock()
	r.Registry.Reload(name)
}

func (r *recordingReloader) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reloaded...)
}

func TestWatchModelsReloadsOnCheckpointRewrite(t *testing.T) {
	fx := newFixture(t)
	before, err := fx.registry.Engine("MIQAT1-0")
	require.NoError(t, err)

	rec := &recordingReloader{Registry: fx.registry}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- WatchModels(ctx, fx.registry.Dir, rec, logging.Discard(), ready) }()
	<-ready

	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(fx.registry.Dir, "notes.txt"), []byte("x"), 0o644))

	m, err := testFactory(models.SchemaT1)
	require.NoError(t, err)
	path, err := fx.registry.Path("MIQAT1-0")
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save(path, checkpoint.New(m, models.SchemaT1.Version)))

	require.Eventually(t, func() bool {
		for _, name := range rec.names() {
			if name == "MIQAT1-0" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	for _, name := range rec.names() {
		assert.False(t, strings.Contains(name, "Mix"), "unexpected reload of %s", name)
	}

	after, err := fx.registry.Engine("MIQAT1-0")
	require.NoError(t, err)
	assert.NotSame(t, before, after)

	cancel()
	assert.NoError(t, <-done)
}
