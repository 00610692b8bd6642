// Package engine defines the translation engine collaborator and its
// BabelDOC implementation.
//
// An engine turns one PDF into translated outputs and reports its progress as
// a stream of events. The service only ever sees three kinds of event:
// progress updates, a terminal error, and a terminal finish carrying the
// produced file paths.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"pdftranslate-server/internal/types"
)

// EventType names the kind of an engine event.
type EventType string

const (
	EventProgress EventType = "progress_update"
	EventError    EventType = "error"
	EventFinish   EventType = "finish"
)

// Event is one record of the engine's progress stream. Optional numeric
// fields are pointers so absent values can be told apart from zero.
type Event struct {
	Type EventType `json:"type"`

	OverallProgress *float64 `json:"overall_progress,omitempty"`
	Stage           string   `json:"stage,omitempty"`
	StageCurrent    *float64 `json:"stage_current,omitempty"`
	StageTotal      *float64 `json:"stage_total,omitempty"`

	Error string `json:"error,omitempty"`

	DualPDFPath string `json:"dual_pdf_path,omitempty"`
	MonoPDFPath string `json:"mono_pdf_path,omitempty"`
}

// ParseEvent decodes one JSON line emitted by the bridge.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}
	return ev, nil
}

// Progress returns overall_progress, or fallback when the engine omitted it.
func (e Event) Progress(fallback float64) float64 {
	if e.OverallProgress == nil {
		return fallback
	}
	return *e.OverallProgress
}

// ProgressMessage renders "{stage} ({current}/{total})".
func (e Event) ProgressMessage() string {
	stage := e.Stage
	if stage == "" {
		stage = "processing"
	}
	current, total := 0.0, 100.0
	if e.StageCurrent != nil {
		current = *e.StageCurrent
	}
	if e.StageTotal != nil {
		total = *e.StageTotal
	}
	return fmt.Sprintf("%s (%s/%s)", stage, formatCount(current), formatCount(total))
}

// ErrorMessage returns the reported error text or "unknown error".
func (e Event) ErrorMessage() string {
	if e.Error == "" {
		return "unknown error"
	}
	return e.Error
}

func formatCount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Options is everything one translation needs. Nothing is read from
// process-global state.
type Options struct {
	InputFile string `json:"input_file"`
	OutputDir string `json:"output_dir"`

	LangIn        string              `json:"lang_in"`
	LangOut       string              `json:"lang_out"`
	NoDual        bool                `json:"no_dual"`
	NoMono        bool                `json:"no_mono"`
	QPS           int                 `json:"qps"`
	WatermarkMode types.WatermarkMode `json:"watermark_output_mode"`

	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`

	ReportInterval      float64 `json:"report_interval"`
	MinTextLength       int     `json:"min_text_length"`
	AutoExtractGlossary bool    `json:"auto_extract_glossary"`
	IgnoreCache         bool    `json:"ignore_cache"`
}

// Pass-through defaults used by the service.
const (
	DefaultReportInterval = 0.1
	DefaultMinTextLength  = 5
)

// Validate checks the fields the bridge cannot run without.
func (o Options) Validate() error {
	switch {
	case o.InputFile == "":
		return types.NewAppError(types.ErrValidation, "input file is required", nil)
	case o.OutputDir == "":
		return types.NewAppError(types.ErrValidation, "output directory is required", nil)
	case o.LangIn == "" || o.LangOut == "":
		return types.NewAppError(types.ErrValidation, "language pair is required", nil)
	case o.QPS <= 0:
		return types.NewAppErrorWithDetails(types.ErrValidation, "qps must be positive", strconv.Itoa(o.QPS), nil)
	}
	if _, err := types.ParseWatermarkMode(string(o.WatermarkMode)); err != nil {
		return err
	}
	return nil
}

// Engine starts translations.
type Engine interface {
	// Translate launches a translation and returns its event stream.
	Translate(ctx context.Context, opts Options) (Stream, error)
}

// Stream yields engine events in order.
type Stream interface {
	// Next blocks for the next event. It returns io.EOF after the last one.
	Next(ctx context.Context) (Event, error)
	// Close stops the engine early and releases its resources.
	Close() error
}
