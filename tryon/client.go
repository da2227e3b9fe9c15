// Package tryon renders a shopper wearing a catalog garment through the Kling
// Kolors virtual try-on API.
//
// A try-on is an asynchronous vendor task: the client creates it with the
// shopper photo and the garment image URL, then polls until the task succeeds
// or fails. Every vendor call carries a short-lived HS256 token signed with the
// secret key, is paced by a token bucket, and is retried on 429 and timeouts.
package tryon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nhalm/canonlog"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Kling API root.
	DefaultBaseURL = "https://api.klingai.com"

	// Model is the vendor model name sent with every task.
	Model = "kolors-virtual-try-on-v1"

	taskPath = "/v1/images/kolors-virtual-try-on"

	tokenTTL  = 30 * time.Minute
	tokenSkew = 5 * time.Second
)

// Task states reported by the vendor.
const (
	StatusSubmitted  = "submitted"
	StatusProcessing = "processing"
	StatusSucceed    = "succeed"
	StatusFailed     = "failed"
)

var (
	// ErrNotConfigured is returned when the access or secret key is missing.
	ErrNotConfigured = errors.New("tryon: api keys not configured")

	// ErrTaskFailed is returned when the vendor reports the task as failed.
	ErrTaskFailed = errors.New("tryon: task failed")

	// ErrTimeout is returned when every attempt timed out.
	ErrTimeout = errors.New("tryon: vendor timed out")
)

// APIError is a non-200 vendor response that was not retried, or a 429 that
// outlasted every retry.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tryon: vendor returned %d: %s", e.Status, e.Body)
}

// Config configures the client. Zero durations and counts take the defaults
// noted on each field.
type Config struct {
	BaseURL   string
	AccessKey string
	SecretKey string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds one vendor request. Defaults to 30s.
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryDelay is the base backoff. Attempt n waits RetryDelay*(n+1).
	// Defaults to 1s.
	RetryDelay time.Duration

	// RPS paces outbound requests. Defaults to 2.
	RPS float64

	// PollInterval is the wait between task status calls. Defaults to 2s.
	PollInterval time.Duration

	// TaskTimeout bounds TryOn as a whole. Defaults to 2m.
	TaskTimeout time.Duration

	// Now is used for token timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Client calls the Kolors try-on API. It is safe for concurrent use.
type Client struct {
	baseURL      string
	accessKey    string
	secretKey    string
	http         *http.Client
	pacer        *rate.Limiter
	maxRetries   int
	retryDelay   time.Duration
	pollInterval time.Duration
	taskTimeout  time.Duration
	now          func() time.Time
}

// NewClient creates a client from cfg.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		accessKey:    cfg.AccessKey,
		secretKey:    cfg.SecretKey,
		http:         cfg.HTTPClient,
		maxRetries:   max(cfg.MaxRetries, 0),
		retryDelay:   cfg.RetryDelay,
		pollInterval: cfg.PollInterval,
		taskTimeout:  cfg.TaskTimeout,
		now:          cfg.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.taskTimeout <= 0 {
		c.taskTimeout = 2 * time.Minute
	}
	if c.now == nil {
		c.now = time.Now
	}

	rps := cfg.RPS
	if rps <= 0 {
		rps = 2
	}
	c.pacer = rate.NewLimiter(rate.Limit(rps), 1)
	return c
}

// Configured reports whether both keys are set.
func (c *Client) Configured() bool {
	return c.accessKey != "" && c.secretKey != ""
}

// Token returns a bearer token valid for 30 minutes.
func (c *Client) Token() (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.accessKey,
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		NotBefore: jwt.NewNumericDate(now.Add(-tokenSkew)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Task is the vendor view of a try-on task.
type Task struct {
	ID         string `json:"task_id"`
	Status     string `json:"task_status"`
	StatusMsg  string `json:"task_status_msg"`
	TaskResult struct {
		Images []struct {
			Index int    `json:"index"`
			URL   string `json:"url"`
		} `json:"images"`
	} `json:"task_result"`
}

// ImageURL returns the first result image, or "".
func (t *Task) ImageURL() string {
	if len(t.TaskResult.Images) == 0 {
		return ""
	}
	return t.TaskResult.Images[0].URL
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    Task   `json:"data"`
}

type createRequest struct {
	ModelName  string `json:"model_name"`
	HumanImage string `json:"human_image"`
	ClothImage string `json:"cloth_image"`
}

// CreateTask submits a try-on. human is the base64 shopper photo and cloth is
// the garment image URL or base64 data.
func (c *Client) CreateTask(ctx context.Context, human, cloth string) (*Task, error) {
	body, err := json.Marshal(createRequest{ModelName: Model, HumanImage: human, ClothImage: cloth})
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	var env envelope
	if err := c.do(ctx, http.MethodPost, taskPath, body, &env); err != nil {
		return nil, err
	}
	if env.Data.ID == "" {
		return nil, fmt.Errorf("tryon: create returned no task id (code %d: %s)", env.Code, env.Message)
	}
	return &env.Data, nil
}

// GetTask returns the current state of a task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var env envelope
	if err := c.do(ctx, http.MethodGet, taskPath+"/"+id, nil, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// TryOn creates a task and polls it until it finishes, returning the result
// image URL.
func (c *Client) TryOn(ctx context.Context, human, cloth string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	task, err := c.CreateTask(ctx, human, cloth)
	if err != nil {
		return "", err
	}
	addLogField(ctx, "tryon_task_id", task.ID)

	polls := 0
	for {
		switch task.Status {
		case StatusSucceed:
			addLogField(ctx, "tryon_polls", polls)
			if url := task.ImageURL(); url != "" {
				return url, nil
			}
			return "", fmt.Errorf("%w: task %s succeeded without an image", ErrTaskFailed, task.ID)
		case StatusFailed:
			return "", fmt.Errorf("%w: %s", ErrTaskFailed, task.StatusMsg)
		}

		if err := sleep(ctx, c.pollInterval); err != nil {
			return "", fmt.Errorf("poll task %s: %w", task.ID, err)
		}
		polls++
		if task, err = c.GetTask(ctx, task.ID); err != nil {
			return "", err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, dest any) error {
	token, err := c.Token()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.retryDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return fmt.Errorf("pace request: %w", err)
		}

		retry, err := c.attempt(ctx, method, path, token, body, dest)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}

	addLogField(ctx, "tryon_retries_exhausted", true)
	return lastErr
}

// attempt performs one request. It reports whether a failure is retryable.
func (c *Client) attempt(ctx context.Context, method, path, token string, body []byte, dest any) (bool, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return true, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return false, fmt.Errorf("tryon: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		return resp.StatusCode == http.StatusTooManyRequests, apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return false, fmt.Errorf("tryon: decode %s: %w", path, err)
	}
	return false, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func addLogField(ctx context.Context, key string, value any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, key, value)
	}
}
