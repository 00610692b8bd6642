package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdftranslate-server/internal/types"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"progress_update","overall_progress":37.5,"stage":"Translate Paragraphs","stage_current":3,"stage_total":10}`))
	require.NoError(t, err)
	assert.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, 37.5, ev.Progress(0))
	assert.Equal(t, "Translate Paragraphs (3/10)", ev.ProgressMessage())

	ev, err = ParseEvent([]byte(`{"type":"finish","dual_pdf_path":"/o/a.dual.pdf","mono_pdf_path":"/o/a.mono.pdf"}`))
	require.NoError(t, err)
	assert.Equal(t, "/o/a.dual.pdf", ev.DualPDFPath)
	assert.Equal(t, "/o/a.mono.pdf", ev.MonoPDFPath)

	_, err = ParseEvent([]byte(`{"overall_progress":1}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`Loading fonts...`))
	assert.Error(t, err)
}

func TestProgressDefaults(t *testing.T) {
	ev := Event{Type: EventProgress}
	assert.Equal(t, "processing (0/100)", ev.ProgressMessage())
	assert.Equal(t, 42.0, ev.Progress(42))

	current := 2.5
	ev.StageCurrent = &current
	ev.Stage = "Parse Page Layout"
	assert.Equal(t, "Parse Page Layout (2.5/100)", ev.ProgressMessage())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "unknown error", Event{Type: EventError}.ErrorMessage())
	assert.Equal(t, "rate limited", Event{Type: EventError, Error: "rate limited"}.ErrorMessage())
}

func TestOptionsValidate(t *testing.T) {
	valid := Options{
		InputFile: "/in.pdf", OutputDir: "/out", LangIn: "en", LangOut: "zh",
		QPS: 4, WatermarkMode: types.WatermarkBoth,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"missing input", func(o *Options) { o.InputFile = "" }},
		{"missing output dir", func(o *Options) { o.OutputDir = "" }},
		{"missing lang", func(o *Options) { o.LangOut = "" }},
		{"zero qps", func(o *Options) { o.QPS = 0 }},
		{"bad watermark", func(o *Options) { o.WatermarkMode = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			err := o.Validate()
			assert.True(t, types.HasCode(err, types.ErrValidation), "got %v", err)
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("Should succeed on first attempt", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(context.Background(), 3, func(int) error {
			attempts++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Should succeed on second attempt", func(t *testing.T) {
		attempts := 0
		err := retryWithBackoff(context.Background(), 3, func(attempt int) error {
			attempts++
			if attempt < 2 {
				return errors.New("temporary error")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("Should stop waiting when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		attempts := 0
		err := retryWithBackoff(ctx, 3, func(int) error {
			attempts++
			return errors.New("still failing")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
		assert.Contains(t, err.Error(), "cancelled")
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})
}
