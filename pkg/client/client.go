// Package client is a Go client for the batch service. It submits jobs and
// batches over REST and waits for them with jittered exponential backoff.
package client

import (
	"batch/pkg/backoff"
	"batch/pkg/model"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultURL is the in-cluster address of the batch service.
const DefaultURL = "http://batch.default"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Config holds connection settings. Every call uses these explicitly; the
// client reads nothing from the environment.
type Config struct {
	URL     string        // default: DefaultURL
	Token   string        // bearer token, empty disables auth
	Timeout time.Duration // per-request timeout (default: 30s)
}

// Client talks to a batch service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *pollMetrics
	pollOpts   []backoff.PollOption
}

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient    *http.Client
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	pollOpts      []backoff.PollOption
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = hc
	}
}

// WithLogger sets the logger used for wait progress.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithMeterProvider sets where wait metrics are recorded (default: the
// global OpenTelemetry provider).
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *clientOptions) {
		o.meterProvider = mp
	}
}

// WithPollOptions appends options to every Wait call made through this client.
// A random source passed here is shared by all waits and must not be used
// from concurrent goroutines.
func WithPollOptions(opts ...backoff.PollOption) Option {
	return func(o *clientOptions) {
		o.pollOpts = append(o.pollOpts, opts...)
	}
}

// New creates a client for the service described by cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	rawURL := cfg.URL
	if rawURL == "" {
		rawURL = DefaultURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid batch service URL %q", rawURL)
	}

	if o.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		o.httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}

	return &Client{
		baseURL:    strings.TrimRight(rawURL, "/"),
		token:      cfg.Token,
		httpClient: o.httpClient,
		logger:     o.logger.With("component", "batch-client"),
		metrics:    newPollMetrics(o.meterProvider),
		pollOpts:   o.pollOpts,
	}, nil
}

// URL returns the service base URL.
func (c *Client) URL() string { return c.baseURL }

// CreateJob submits a job outside of any batch.
func (c *Client) CreateJob(ctx context.Context, opts JobOptions) (*Job, error) {
	spec, err := opts.Spec()
	if err != nil {
		return nil, err
	}
	return c.SubmitSpec(ctx, spec, "")
}

// SubmitSpec submits a prebuilt spec, in the given batch when batchID is set.
func (c *Client) SubmitSpec(ctx context.Context, spec model.JobSpec, batchID string) (*Job, error) {
	var j model.Job
	if err := c.do(ctx, "create job", http.MethodPost, "/jobs/create", spec.Request(batchID), &j); err != nil {
		return nil, err
	}
	return newJob(c, j.ID, j.Attributes, nil), nil
}

// GetJob looks up an existing job. The returned handle carries the fetched status.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := c.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return newJob(c, j.ID, j.Attributes, j), nil
}

// ListOptions filters ListJobs.
type ListOptions struct {
	State   string // one of model.States, empty for all
	BatchID string
}

// ListJobs returns handles for all jobs matching opts, each with its status cached.
// An unknown state fails with model.ErrUnknownState before any request is made.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error) {
	q := url.Values{}
	if opts.State != "" {
		s, err := model.ParseState(opts.State)
		if err != nil {
			return nil, err
		}
		q.Set("state", s.String())
	}
	if opts.BatchID != "" {
		q.Set("batch_id", opts.BatchID)
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var records []*model.Job
	if err := c.do(ctx, "list jobs", http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(records))
	for _, r := range records {
		jobs = append(jobs, newJob(c, r.ID, r.Attributes, r))
	}
	return jobs, nil
}

// CreateBatch creates an empty batch.
func (c *Client) CreateBatch(ctx context.Context, attributes map[string]string) (*Batch, error) {
	var b model.Batch
	req := model.CreateBatchRequest{Attributes: attributes}
	if err := c.do(ctx, "create batch", http.MethodPost, "/batches/create", req, &b); err != nil {
		return nil, err
	}
	return newBatch(c, b.ID, b.Attributes, nil), nil
}

// GetBatch looks up an existing batch. The returned handle carries the fetched status.
func (c *Client) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b, err := c.getBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return newBatch(c, b.ID, b.Attributes, b), nil
}

// RefreshK8sState asks the service to re-inspect every active job.
func (c *Client) RefreshK8sState(ctx context.Context) error {
	return c.do(ctx, "refresh state", http.MethodPost, "/refresh_k8s_state", nil, nil)
}

func (c *Client) getJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	if err := c.do(ctx, "get job", http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) getJobLog(ctx context.Context, id string) (string, error) {
	var resp model.LogResponse
	if err := c.do(ctx, "get job log", http.MethodGet, "/jobs/"+url.PathEscape(id)+"/log", nil, &resp); err != nil {
		return "", err
	}
	return resp.Log, nil
}

func (c *Client) cancelJob(ctx context.Context, id string) error {
	return c.do(ctx, "cancel job", http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) deleteJob(ctx context.Context, id string) error {
	return c.do(ctx, "delete job", http.MethodDelete, "/jobs/"+url.PathEscape(id)+"/delete", nil, nil)
}

func (c *Client) getBatch(ctx context.Context, id string) (*model.Batch, error) {
	var b model.Batch
	if err := c.do(ctx, "get batch", http.MethodGet, "/batches/"+url.PathEscape(id), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// do sends one request and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	fullURL := c.baseURL + path
	svcErr := func(status int, msg string, cause error) error {
		return &ServiceError{Op: op, Method: method, URL: fullURL, StatusCode: status, Message: msg, Cause: cause}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return svcErr(0, "", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return svcErr(0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return svcErr(resp.StatusCode, readErrorMessage(resp.Body), nil)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return svcErr(resp.StatusCode, "invalid response body", err)
	}
	return nil
}

// readErrorMessage extracts {"error": "..."} from an error body, falling back
// to the raw text.
func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
