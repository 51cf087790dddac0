package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/runlet/runlet/history"
	"github.com/runlet/runlet/pipeline"
)

// Client talks to a runlet server. It implements the consumer side of the
// event stream: it decodes the NDJSON framing incrementally and reacts to
// each event kind as it arrives.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("runletclient").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, host string, port int, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log,
		HTTPClient:   &http.Client{},
		baseURL:      fmt.Sprintf("http://%s:%d", host, port),
		waitInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Health checks the server's liveness probe once.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer blocks until the health probe answers, retrying with backoff.
func (c *Client) WaitForServer(ctx context.Context) error {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = c.HTTPClient
	retryClient.RetryWaitMin = c.waitInterval
	retryClient.RetryWaitMax = time.Second
	retryClient.RetryMax = 100
	retryClient.Logger = &logAdapter{c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := retryClient.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("waiting for server: status %d", resp.StatusCode)
	}
	return nil
}

// UploadGuide stores a guide document on the server and returns the stored
// path, for use in a later run request.
func (c *Client) UploadGuide(ctx context.Context, name string, r io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/guides/"+name, r)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("uploading guide: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var body struct {
		Path string
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding guide response: %w", err)
	}
	return body.Path, nil
}

// ListRuns fetches the server's recent run history.
func (c *Client) ListRuns(ctx context.Context) ([]history.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/runs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("listing runs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var recs []history.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decoding run list: %w", err)
	}
	return recs, nil
}

// StartRunRequest describes a run to submit. Stdout and Stderr receive the
// run's output as it streams in; nil writers discard it.
type StartRunRequest struct {
	ProjectURL    string
	Episodes      string
	SlackEnabled  bool
	SlackTemplate string

	// Guide optionally supplies the guideline document content, uploaded
	// with the request itself.
	Guide         io.Reader
	GuideFilename string

	Stdout io.Writer
	Stderr io.Writer
}

// Result is a run's terminal state.
type Result struct {
	ExitCode int
	Success  bool
}

type runResult struct {
	res Result
	err error
}

// Run is an in-flight run submitted by StartRun.
type Run struct {
	ID string

	log      *zap.SugaredLogger
	stdout   io.Writer
	stderr   io.Writer
	resultCh chan runResult
}

// StartRun submits a run and starts decoding its event stream in the
// background. A validation rejection surfaces as an error here; everything
// after spawn is reported through Wait.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"projectUrl":    req.ProjectURL,
		"episodes":      req.Episodes,
		"slackTemplate": req.SlackTemplate,
	}
	if req.SlackEnabled {
		fields["slackEnabled"] = "y"
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("building run form: %w", err)
		}
	}
	if req.Guide != nil {
		name := req.GuideFilename
		if name == "" {
			name = "guide"
		}
		part, err := mw.CreateFormFile("guide", name)
		if err != nil {
			return nil, fmt.Errorf("building guide part: %w", err)
		}
		if _, err := io.Copy(part, req.Guide); err != nil {
			return nil, fmt.Errorf("copying guide content: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing run form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/runs", &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submitting run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("run rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	run := &Run{
		ID:       resp.Header.Get("X-Run-Id"),
		log:      c.Logger.Named("run_consumer"),
		stdout:   io.Discard,
		stderr:   io.Discard,
		resultCh: make(chan runResult, 1),
	}
	if req.Stdout != nil {
		run.stdout = req.Stdout
	}
	if req.Stderr != nil {
		run.stderr = req.Stderr
	}
	go run.consume(resp.Body)
	return run, nil
}

// consume decodes the NDJSON event stream incrementally until the terminal
// event or the end of the response body.
func (r *Run) consume(body io.ReadCloser) {
	defer body.Close()
	dec := json.NewDecoder(body)
	sawTerminal := false
	for {
		var ev pipeline.Event
		err := dec.Decode(&ev)
		if err != nil {
			if !sawTerminal {
				if errors.Is(err, io.EOF) {
					err = errors.New("event stream ended before a terminal event")
				}
				r.resultCh <- runResult{err: err}
			}
			return
		}
		switch ev.Type {
		case pipeline.EventStdout:
			io.WriteString(r.stdout, ev.Message)
		case pipeline.EventStderr:
			io.WriteString(r.stderr, ev.Message)
		case pipeline.EventComplete:
			res := Result{}
			if ev.ExitCode != nil {
				res.ExitCode = *ev.ExitCode
			}
			if ev.Success != nil {
				res.Success = *ev.Success
			}
			sawTerminal = true
			r.resultCh <- runResult{res: res}
		case pipeline.EventError:
			sawTerminal = true
			r.resultCh <- runResult{err: errors.New(ev.Message)}
		default:
			r.log.Debugf("ignoring unknown event type %q", ev.Type)
		}
	}
}

// Wait blocks until the run's terminal event. A complete event yields the
// Result; an error event or a dropped stream yields an error.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case res := <-r.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return &res.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
