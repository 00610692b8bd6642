// Package orchestrator drives the translation engine for submitted tasks and
// keeps their status records current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"pdftranslate-server/internal/engine"
	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/pdf"
	"pdftranslate-server/internal/task"
	"pdftranslate-server/internal/types"
)

// Status messages written into task records.
const (
	MessageInitializing = "initializing"
	MessageTranslating  = "translating document"
	MessageCompleted    = "translation completed"
	failedPrefix        = "translation failed: "
	errorPrefix         = "translation error: "
)

// Defaults are the configured values a request falls back to.
type Defaults struct {
	LangIn        string
	LangOut       string
	NoDual        bool
	NoMono        bool
	QPS           int
	WatermarkMode types.WatermarkMode

	Model   string
	BaseURL string
	APIKey  string
}

// Request holds the per-submission overrides. Zero values mean "use the default".
type Request struct {
	LangIn        string
	LangOut       string
	QPS           int
	NoDual        *bool
	NoMono        *bool
	WatermarkMode types.WatermarkMode
}

// OutputInspector sanity-checks produced files. *pdf.Inspector satisfies it.
type OutputInspector interface {
	Validate(path string) error
	CheckPageCountDifference(originalPath, translatedPath string) (*pdf.PageCountResult, error)
}

// Config wires an Orchestrator.
type Config struct {
	Store    task.Store
	Engine   engine.Engine
	Defaults Defaults
	// Inspector is optional; without it the post-translation check is skipped.
	Inspector OutputInspector
}

// Orchestrator runs translations, one goroutine per task.
type Orchestrator struct {
	store     task.Store
	engine    engine.Engine
	defaults  Defaults
	inspector OutputInspector

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     cfg.Store,
		engine:    cfg.Engine,
		defaults:  cfg.Defaults,
		inspector: cfg.Inspector,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Options resolves the engine options for one task.
func (o *Orchestrator) Options(inputFile, outputDir string, req Request) engine.Options {
	d := o.defaults
	opts := engine.Options{
		InputFile:     inputFile,
		OutputDir:     outputDir,
		LangIn:        firstNonEmpty(req.LangIn, d.LangIn),
		LangOut:       firstNonEmpty(req.LangOut, d.LangOut),
		NoDual:        d.NoDual,
		NoMono:        d.NoMono,
		QPS:           d.QPS,
		WatermarkMode: d.WatermarkMode,

		Model:   d.Model,
		BaseURL: d.BaseURL,
		APIKey:  d.APIKey,

		ReportInterval:      engine.DefaultReportInterval,
		MinTextLength:       engine.DefaultMinTextLength,
		AutoExtractGlossary: true,
	}
	if req.QPS > 0 {
		opts.QPS = req.QPS
	}
	if req.NoDual != nil {
		opts.NoDual = *req.NoDual
	}
	if req.NoMono != nil {
		opts.NoMono = *req.NoMono
	}
	if req.WatermarkMode != "" {
		opts.WatermarkMode = req.WatermarkMode
	}
	return opts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Dispatch runs the task in the background and returns immediately.
func (o *Orchestrator) Dispatch(taskID, inputFile, outputDir string, req Request) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Run(o.baseCtx, taskID, inputFile, outputDir, req)
	}()
}

// Shutdown waits for running tasks. When ctx expires first, the engines are
// cancelled, which fails their tasks, and Shutdown waits for them to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		logger.Warn("cancelling running translations")
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// Run translates one task to completion. It never returns an error: every
// failure, including a panic, ends up as a failed task record.
func (o *Orchestrator) Run(ctx context.Context, taskID, inputFile, outputDir string, req Request) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("translation panicked", err, logger.String("taskID", taskID))
			o.fail(taskID, errorPrefix+err.Error())
		}
	}()

	if err := o.run(ctx, taskID, inputFile, outputDir, req); err != nil {
		logger.Error("translation error", err, logger.String("taskID", taskID))
		o.fail(taskID, errorPrefix+err.Error())
		return
	}
	logger.Info("translation task finished",
		logger.String("taskID", taskID),
		logger.Duration("elapsed", time.Since(start)))
}

func (o *Orchestrator) run(ctx context.Context, taskID, inputFile, outputDir string, req Request) error {
	if _, err := o.store.Update(ctx, taskID, func(t *task.TaskStatus) error {
		t.Status = task.StatusProcessing
		t.Message = MessageInitializing
		return nil
	}); err != nil {
		return err
	}

	opts := o.Options(inputFile, outputDir, req)
	if _, err := o.store.Update(ctx, taskID, func(t *task.TaskStatus) error {
		t.Message = MessageTranslating
		return nil
	}); err != nil {
		return err
	}

	stream, err := o.engine.Translate(ctx, opts)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return types.NewAppError(types.ErrEngine, "engine finished without a result", nil)
		}
		if err != nil {
			return err
		}

		switch ev.Type {
		case engine.EventProgress:
			if _, err := o.store.Update(ctx, taskID, func(t *task.TaskStatus) error {
				t.Progress = clamp(ev.Progress(t.Progress), t.Progress, 100)
				t.Message = ev.ProgressMessage()
				return nil
			}); err != nil {
				return err
			}

		case engine.EventError:
			msg := failedPrefix + ev.ErrorMessage()
			logger.Error("engine reported failure", errors.New(ev.ErrorMessage()), logger.String("taskID", taskID))
			_, err := o.store.Update(ctx, taskID, func(t *task.TaskStatus) error {
				t.Status = task.StatusFailed
				t.Message = msg
				return nil
			})
			return err

		case engine.EventFinish:
			return o.complete(ctx, taskID, inputFile, ev)

		default:
			logger.Warn("ignoring unknown engine event",
				logger.String("taskID", taskID),
				logger.String("type", string(ev.Type)))
		}
	}
}

// complete registers the outputs that exist on disk and closes the task.
func (o *Orchestrator) complete(ctx context.Context, taskID, inputFile string, ev engine.Event) error {
	files := map[string]string{}
	for kind, path := range map[string]string{task.KindDual: ev.DualPDFPath, task.KindMono: ev.MonoPDFPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			logger.Warn("engine reported a missing output",
				logger.String("taskID", taskID),
				logger.String("kind", kind),
				logger.String("path", path))
			continue
		}
		files[kind] = path
	}

	if _, err := o.store.Update(ctx, taskID, func(t *task.TaskStatus) error {
		t.Status = task.StatusCompleted
		t.Progress = 100
		t.Message = MessageCompleted
		t.ResultFiles = files
		return nil
	}); err != nil {
		return err
	}

	o.checkOutputs(taskID, inputFile, files)
	return nil
}

// checkOutputs logs structural or page-count problems; it never changes the outcome.
func (o *Orchestrator) checkOutputs(taskID, inputFile string, files map[string]string) {
	if o.inspector == nil {
		return
	}
	for kind, path := range files {
		if err := o.inspector.Validate(path); err != nil {
			logger.Warn("translated PDF failed validation",
				logger.String("taskID", taskID),
				logger.String("kind", kind),
				logger.Err(err))
			continue
		}
		result, err := o.inspector.CheckPageCountDifference(inputFile, path)
		if err != nil {
			logger.Warn("page count check skipped",
				logger.String("taskID", taskID),
				logger.String("kind", kind),
				logger.Err(err))
			continue
		}
		if result.IsSuspicious {
			logger.Warn(pdf.FormatPageCountWarning(result),
				logger.String("taskID", taskID),
				logger.String("kind", kind))
		}
	}
}

// fail marks a task failed. It uses a fresh context so a cancelled run can
// still record its outcome.
func (o *Orchestrator) fail(taskID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.store.Update(ctx, taskID, func(t *task.TaskStatus) error {
		t.Status = task.StatusFailed
		t.Message = message
		t.ResultFiles = nil
		return nil
	})
	if err != nil && !types.HasCode(err, types.ErrInvalidTransition) {
		logger.Error("failed to record task failure", err, logger.String("taskID", taskID))
	}
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
