package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdftranslate-server/internal/types"
)

// helperInterpreter re-executes the test binary as a fake Python bridge.
type helperInterpreter struct {
	scenario  string
	ensureErr error
}

func (h helperInterpreter) Ensure(ctx context.Context, packages []string) error {
	return h.ensureErr
}

func (h helperInterpreter) Command(ctx context.Context, args ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_SCENARIO="+h.scenario)
	return cmd
}

// TestHelperProcess is not a real test; it plays the bridge for the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	// -- -u <script> <mode>
	if len(args) != 4 {
		fmt.Fprintf(os.Stderr, "unexpected args %v\n", args)
		os.Exit(2)
	}
	if _, err := os.Stat(args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "bridge script missing: %v\n", err)
		os.Exit(2)
	}

	emit := func(v interface{}) {
		data, _ := json.Marshal(v)
		fmt.Println(string(data))
	}

	switch os.Getenv("HELPER_SCENARIO") {
	case "success":
		var opts map[string]interface{}
		if err := json.NewDecoder(os.Stdin).Decode(&opts); err != nil {
			fmt.Fprintf(os.Stderr, "bad stdin: %v\n", err)
			os.Exit(2)
		}
		fmt.Println("INFO some library chatter")
		fmt.Fprintln(os.Stderr, "loading layout model")
		emit(map[string]interface{}{"type": "progress_update", "overall_progress": 12.5,
			"stage": opts["lang_out"], "stage_current": 1, "stage_total": 4})
		fmt.Println()
		emit(map[string]interface{}{"type": "finish",
			"dual_pdf_path": filepath.Join(opts["output_dir"].(string), "doc.zh.dual.pdf"),
			"mono_pdf_path": ""})
	case "crash":
		fmt.Fprintln(os.Stderr, "Traceback (most recent call last):")
		fmt.Fprintln(os.Stderr, "RuntimeError: boom")
		os.Exit(3)
	case "hang":
		emit(map[string]interface{}{"type": "progress_update", "overall_progress": 1})
		time.Sleep(time.Minute)
	case "warmup-ok":
		emit(map[string]interface{}{"type": "warmup", "ok": true, "method": "warmup_font_cache"})
	case "warmup-fail":
		emit(map[string]interface{}{"type": "warmup", "ok": false, "error": "network unreachable"})
	}
	os.Exit(0)
}

func testOptions(t *testing.T) Options {
	dir := t.TempDir()
	return Options{
		InputFile:     filepath.Join(dir, "doc.pdf"),
		OutputDir:     filepath.Join(dir, "output"),
		LangIn:        "en",
		LangOut:       "zh",
		QPS:           4,
		WatermarkMode: types.WatermarkNone,
		Model:         "deepseek-ai/DeepSeek-V3",
		APIKey:        "sk-test",
	}
}

func newTestEngine(t *testing.T, interp Interpreter) *BabelDOC {
	return NewBabelDOC(BabelDOCConfig{Python: interp, ScriptDir: t.TempDir()})
}

func TestBabelDOCTranslateStreamsEvents(t *testing.T) {
	eng := newTestEngine(t, helperInterpreter{scenario: "success"})
	opts := testOptions(t)
	ctx := context.Background()

	stream, err := eng.Translate(ctx, opts)
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, 12.5, ev.Progress(0))
	assert.Equal(t, "zh (1/4)", ev.ProgressMessage(), "options reach the bridge on stdin")

	ev, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventFinish, ev.Type)
	assert.Equal(t, filepath.Join(opts.OutputDir, "doc.zh.dual.pdf"), ev.DualPDFPath)
	assert.Empty(t, ev.MonoPDFPath)

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err, "stream stays at EOF")
}

func TestBabelDOCReportsCrash(t *testing.T) {
	eng := newTestEngine(t, helperInterpreter{scenario: "crash"})
	ctx := context.Background()

	stream, err := eng.Translate(ctx, testOptions(t))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrEngine), "got %v", err)
	assert.Contains(t, err.Error(), "RuntimeError: boom")
}

func TestBabelDOCCloseStopsEngine(t *testing.T) {
	eng := newTestEngine(t, helperInterpreter{scenario: "hang"})
	ctx := context.Background()

	stream, err := eng.Translate(ctx, testOptions(t))
	require.NoError(t, err)

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventProgress, ev.Type)

	done := make(chan struct{})
	go func() {
		stream.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not stop the engine")
	}

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestBabelDOCContextCancellation(t *testing.T) {
	eng := newTestEngine(t, helperInterpreter{scenario: "hang"})
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := eng.Translate(ctx, testOptions(t))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = stream.Next(ctx)
	assert.True(t, types.HasCode(err, types.ErrEngine), "got %v", err)
}

func TestBabelDOCEnvironmentFailure(t *testing.T) {
	eng := newTestEngine(t, helperInterpreter{ensureErr: errors.New("uv download failed")})

	_, err := eng.Translate(context.Background(), testOptions(t))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrEngine))
	assert.Contains(t, fmt.Sprint(errors.Unwrap(err)), "uv download failed")
}

func TestBabelDOCRejectsInvalidOptions(t *testing.T) {
	eng := newTestEngine(t, helperInterpreter{scenario: "success"})
	opts := testOptions(t)
	opts.QPS = 0

	_, err := eng.Translate(context.Background(), opts)
	assert.True(t, types.HasCode(err, types.ErrValidation), "got %v", err)
}

func TestBabelDOCWritesBridgeScript(t *testing.T) {
	dir := t.TempDir()
	eng := NewBabelDOC(BabelDOCConfig{Python: helperInterpreter{}, ScriptDir: dir})

	path, err := eng.script()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, BridgeScriptName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, BridgeScript, string(data))
}

func TestWarmup(t *testing.T) {
	t.Run("succeeds", func(t *testing.T) {
		eng := newTestEngine(t, helperInterpreter{scenario: "warmup-ok"})
		method, err := eng.Warmup(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "warmup_font_cache", method)
	})

	t.Run("gives up after retries", func(t *testing.T) {
		eng := newTestEngine(t, helperInterpreter{scenario: "warmup-fail"})
		_, err := eng.Warmup(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed after 3 attempts")
		assert.Contains(t, err.Error(), "network unreachable")
	})
}

func TestTailWriterKeepsLastLines(t *testing.T) {
	w := &tailWriter{}
	for i := 0; i < stderrTailLines+5; i++ {
		fmt.Fprintf(w, "line %d\r\n", i)
	}
	w.Write([]byte("partial"))

	out := w.String()
	assert.NotContains(t, out, "line 4\n")
	assert.Contains(t, out, "line 5\n")
	assert.Contains(t, out, fmt.Sprintf("line %d", stderrTailLines+4))
	assert.Contains(t, out, "partial")
	assert.NotContains(t, out, "\r")
}
