package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/types"
)

// WarmupAttempts is how often a font warm-up is tried before giving up.
const WarmupAttempts = 3

type warmupResult struct {
	Type   string `json:"type"`
	OK     bool   `json:"ok"`
	Method string `json:"method"`
	Error  string `json:"error"`
}

// Warmup fills BabelDOC's font cache, retrying with backoff. It returns the
// method that succeeded.
func (b *BabelDOC) Warmup(ctx context.Context) (string, error) {
	var method string
	err := retryWithBackoff(ctx, WarmupAttempts, func(attempt int) error {
		logger.Info("warming up font cache", logger.Int("attempt", attempt))
		m, err := b.warmupOnce(ctx)
		if err != nil {
			logger.Warn("font warm-up failed", logger.Int("attempt", attempt), logger.Err(err))
			return err
		}
		method = m
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.Info("font cache ready", logger.String("method", method))
	return method, nil
}

func (b *BabelDOC) warmupOnce(ctx context.Context) (string, error) {
	cmd, err := b.prepare(ctx, "warmup")
	if err != nil {
		return "", err
	}
	stderr := &tailWriter{}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	out, runErr := cmd.Output()

	var result *warmupResult
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		var r warmupResult
		if json.Unmarshal(scanner.Bytes(), &r) == nil && (r.Type == "warmup" || r.Type == string(EventError)) {
			result = &r
		}
	}

	switch {
	case result != nil && result.OK:
		return result.Method, nil
	case result != nil:
		return "", types.NewAppErrorWithDetails(types.ErrEngine, "font warm-up failed", result.Error, runErr)
	case runErr != nil:
		return "", types.NewAppErrorWithDetails(types.ErrEngine, "font warm-up failed", stderr.String(), runErr)
	default:
		return "", types.NewAppError(types.ErrEngine, "font warm-up produced no result", nil)
	}
}

// retryWithBackoff runs op up to maxAttempts times, sleeping 500ms*attempt²
// between failures (500ms, 2s, 4.5s, ...).
func retryWithBackoff(ctx context.Context, maxAttempts int, op func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := time.Duration(500*attempt*attempt) * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("operation cancelled after %d attempts: %w", attempt, lastErr)
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}
