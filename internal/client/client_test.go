package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdftranslate-server/internal/engine"
	"pdftranslate-server/internal/engine/enginetest"
	"pdftranslate-server/internal/orchestrator"
	"pdftranslate-server/internal/pdf/pdftest"
	"pdftranslate-server/internal/server"
	"pdftranslate-server/internal/task"
	"pdftranslate-server/internal/types"
	"pdftranslate-server/internal/workspace"
)

func startServer(t *testing.T, eng engine.Engine) (*Client, *orchestrator.Orchestrator) {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)
	store := task.NewMemoryStore()
	orch := orchestrator.New(orchestrator.Config{
		Store:  store,
		Engine: eng,
		Defaults: orchestrator.Defaults{
			LangIn: "en", LangOut: "zh", QPS: 4, WatermarkMode: types.WatermarkNone,
		},
	})
	s := server.New(server.Config{
		Store:      store,
		Workspaces: ws,
		Dispatcher: orch,
		Info:       server.Info{Model: "deepseek-ai/DeepSeek-V3", LangIn: "en", LangOut: "zh", QPS: 4},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
		srv.Close()
	})
	return New(srv.URL + "/"), orch
}

func samplePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paper.pdf")
	require.NoError(t, pdftest.Write(path, 3))
	return path
}

func TestHealthAndServerInfo(t *testing.T) {
	c, _ := startServer(t, &enginetest.Engine{})
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, server.ServiceName, health.Service)

	info, err := c.ServerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, server.Version, info.Version)
	assert.Equal(t, "deepseek-ai/DeepSeek-V3", info.Config.Model)
	assert.Equal(t, 4, info.Config.QPS)
	assert.Contains(t, info.Endpoints, "translate")
}

func TestSubmitWaitDownload(t *testing.T) {
	out := t.TempDir()
	dual := filepath.Join(out, "paper.zh.dual.pdf")
	mono := filepath.Join(out, "paper.zh.mono.pdf")

	var mu sync.Mutex
	var seenOpts engine.Options
	eng := &enginetest.Engine{
		Steps: enginetest.Events(
			enginetest.Progress(30, "Parse PDF", 1, 3),
			enginetest.Progress(70, "Translate Paragraphs", 2, 3),
			enginetest.Finish(dual, mono),
		),
		OnTranslate: func(opts engine.Options) {
			mu.Lock()
			seenOpts = opts
			mu.Unlock()
			pdftest.Write(dual, 6)
			pdftest.Write(mono, 3)
		},
	}
	c, _ := startServer(t, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	noDual := false
	id, err := c.Submit(ctx, samplePDF(t), SubmitOptions{LangOut: "ja", QPS: 2, NoDual: &noDual, WatermarkMode: "both"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var polls int
	final, err := c.Wait(ctx, id, 10*time.Millisecond, func(task.TaskStatus) { polls++ })
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, 100.0, final.Progress)
	assert.Len(t, final.ResultFiles, 2)
	assert.GreaterOrEqual(t, polls, 1)

	mu.Lock()
	assert.Equal(t, "en", seenOpts.LangIn)
	assert.Equal(t, "ja", seenOpts.LangOut)
	assert.Equal(t, 2, seenOpts.QPS)
	assert.Equal(t, types.WatermarkBoth, seenOpts.WatermarkMode)
	mu.Unlock()

	dest := filepath.Join(t.TempDir(), "downloaded.pdf")
	require.NoError(t, c.Download(ctx, id, task.KindDual, dest))
	want, err := os.ReadFile(dual)
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	err = c.Download(ctx, id, "epub", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestWaitReportsFailure(t *testing.T) {
	eng := &enginetest.Engine{Steps: enginetest.Events(enginetest.Failure("quota exceeded"))}
	c, _ := startServer(t, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := c.Submit(ctx, samplePDF(t), SubmitOptions{})
	require.NoError(t, err)

	final, err := c.Wait(ctx, id, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, "translation failed: quota exceeded", final.Message)

	err = c.Download(ctx, id, task.KindDual, filepath.Join(t.TempDir(), "x.pdf"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}

func TestWaitGivesUpWithContext(t *testing.T) {
	eng := &enginetest.Engine{
		Steps: []enginetest.Step{{Event: enginetest.Finish("", ""), Gate: make(chan struct{})}},
	}
	c, _ := startServer(t, eng)

	id, err := c.Submit(context.Background(), samplePDF(t), SubmitOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	status, err := c.Wait(ctx, id, 10*time.Millisecond, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	if status != nil {
		assert.False(t, status.Status.Terminal())
	}
}

func TestErrors(t *testing.T) {
	c, _ := startServer(t, &enginetest.Engine{})
	ctx := context.Background()

	_, err := c.Status(ctx, "does-not-exist")
	assert.True(t, IsNotFound(err), "got %v", err)

	txt := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0644))
	_, err = c.Submit(ctx, txt, SubmitOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, "only PDF files are supported", apiErr.Detail)

	_, err = c.Submit(ctx, filepath.Join(t.TempDir(), "missing.pdf"), SubmitOptions{})
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitOptionsForm(t *testing.T) {
	yes := true
	form := SubmitOptions{LangIn: "en", NoMono: &yes, QPS: 3}.form()
	assert.Equal(t, map[string]string{"lang_in": "en", "no_mono": "true", "qps": "3"}, form)
	assert.Empty(t, SubmitOptions{}.form())
}
