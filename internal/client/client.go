// Package client talks to a running translation server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pdftranslate-server/internal/task"
)

// Wait defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultWaitTimeout  = time.Hour
)

// Client is an API client for the translation server.
type Client struct {
	baseURL string
	http    *resty.Client
}

// New creates a client for baseURL, e.g. http://localhost:8000.
func New(baseURL string) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	c.http = resty.New().
		SetBaseURL(c.baseURL).
		SetTimeout(10 * time.Minute).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil {
				return false
			}
			return r.StatusCode() == http.StatusTooManyRequests ||
				(r.StatusCode() >= 502 && r.StatusCode() <= 504)
		})
	return c
}

// SetTimeout changes the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func apiError(resp *resty.Response) error {
	var body struct {
		Detail string `json:"detail"`
	}
	detail := strings.TrimSpace(string(resp.Body()))
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Detail != "" {
		detail = body.Detail
	}
	return &APIError{StatusCode: resp.StatusCode(), Detail: detail}
}

// Health is the /health payload.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ServerInfo is the / payload.
type ServerInfo struct {
	Message string `json:"message"`
	Version string `json:"version"`
	Config  struct {
		Model   string `json:"openai_model"`
		LangIn  string `json:"default_lang_in"`
		LangOut string `json:"default_lang_out"`
		QPS     int    `json:"qps"`
	} `json:"config"`
	Endpoints map[string]string `json:"endpoints"`
}

// SubmitOptions are the optional translation overrides. Zero values are not sent.
type SubmitOptions struct {
	LangIn        string
	LangOut       string
	QPS           int
	NoDual        *bool
	NoMono        *bool
	WatermarkMode string
}

func (o SubmitOptions) form() map[string]string {
	form := map[string]string{}
	if o.LangIn != "" {
		form["lang_in"] = o.LangIn
	}
	if o.LangOut != "" {
		form["lang_out"] = o.LangOut
	}
	if o.QPS > 0 {
		form["qps"] = strconv.Itoa(o.QPS)
	}
	if o.NoDual != nil {
		form["no_dual"] = strconv.FormatBool(*o.NoDual)
	}
	if o.NoMono != nil {
		form["no_mono"] = strconv.FormatBool(*o.NoMono)
	}
	if o.WatermarkMode != "" {
		form["watermark_output_mode"] = o.WatermarkMode
	}
	return form
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServerInfo fetches the server's version and defaults.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var out ServerInfo
	if err := c.getJSON(ctx, "/", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit uploads a PDF and returns the new task id.
func (c *Client) Submit(ctx context.Context, pdfPath string, opts SubmitOptions) (string, error) {
	if _, err := os.Stat(pdfPath); err != nil {
		return "", err
	}

	var out struct {
		TaskID  string `json:"task_id"`
		Message string `json:"message"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("file", pdfPath).
		SetFormData(opts.form()).
		SetResult(&out).
		Post("/translate")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", apiError(resp)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("server returned no task id")
	}
	return out.TaskID, nil
}

// Status fetches a task's current status.
func (c *Client) Status(ctx context.Context, taskID string) (*task.TaskStatus, error) {
	var out task.TaskStatus
	if err := c.getJSON(ctx, "/status/"+taskID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download saves a result file of a completed task to destPath.
func (c *Client) Download(ctx context.Context, taskID, kind, destPath string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/download/" + taskID + "/" + kind)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 300 {
		data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
		var detail struct {
			Detail string `json:"detail"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
			msg = detail.Detail
		}
		return &APIError{StatusCode: resp.StatusCode(), Detail: msg}
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(destPath)
		return err
	}
	return out.Close()
}

// Wait polls a task until it is completed or failed, or ctx expires.
// onProgress, when set, sees every polled status.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration, onProgress func(task.TaskStatus)) (*task.TaskStatus, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(*status)
		}
		if status.Status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, fmt.Errorf("waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(out).
		Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}
