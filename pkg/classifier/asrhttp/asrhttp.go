// Package asrhttp provides an HTTP-backed recognition gateway. It implements
// the classifier.RecognitionGateway interface.
//
// Segments are POSTed to the recognizer's /inference endpoint as JSON with
// base64-encoded PCM. Each submission runs in its own goroutine, bounded by a
// concurrency limit; when all slots are busy the submission is rejected
// rather than queued, and the caller's reorder timeout covers the hole.
// Transient failures are retried a few times with backoff before the segment
// is abandoned.
package asrhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/virelia/sonoflux/pkg/classifier"
)

const (
	defaultConcurrency    = 4
	defaultRequestTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultRetryBackoff   = 500 * time.Millisecond
	defaultResultBuffer   = 64
)

// ErrClosed is returned by SubmitSegment after Close has been called.
var ErrClosed = errors.New("asrhttp: client is closed")

// ErrBusy is returned by SubmitSegment when all concurrency slots are
// occupied. The segment is dropped; no Result will arrive for it.
var ErrBusy = errors.New("asrhttp: all recognition slots are busy")

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithModel sets the model identifier forwarded to the recognizer. When
// empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the recognizer
// (e.g., "en", "de"). Empty lets the server auto-detect.
func WithLanguage(lang string) Option {
	return func(c *Client) {
		c.language = lang
	}
}

// WithConcurrency bounds the number of in-flight recognition requests.
// Defaults to 4.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRequestTimeout bounds each HTTP request including retries' individual
// attempts. Defaults to 30s per attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithMaxAttempts sets how often a failing request is tried before the
// segment is abandoned. Defaults to 3.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the delay before the second attempt. The delay
// doubles for each further attempt. Defaults to 500ms.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryBackoff = d
		}
	}
}

// WithLogger sets the logger for abandoned segments and retry diagnostics.
// Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Useful for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Client submits speech segments to a remote recognizer over HTTP. It
// implements classifier.RecognitionGateway.
type Client struct {
	serverURL      string
	token          string
	model          string
	language       string
	concurrency    int
	requestTimeout time.Duration
	maxAttempts    int
	retryBackoff   time.Duration
	httpClient     *http.Client
	log            *slog.Logger

	group   *errgroup.Group
	results chan classifier.Result

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a Client for the recognizer at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty. No connection is
// established until the first submission.
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("asrhttp: serverURL must not be empty")
	}

	c := &Client{
		serverURL:      serverURL,
		concurrency:    defaultConcurrency,
		requestTimeout: defaultRequestTimeout,
		maxAttempts:    defaultMaxAttempts,
		retryBackoff:   defaultRetryBackoff,
		httpClient:     &http.Client{},
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	c.group = &errgroup.Group{}
	c.group.SetLimit(c.concurrency)
	c.results = make(chan classifier.Result, defaultResultBuffer)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})

	return c, nil
}

// SubmitSegment starts a recognition request for the segment. It never
// blocks: when all slots are busy it returns ErrBusy and drops the segment.
func (c *Client) SubmitSegment(ctx context.Context, req classifier.SegmentRequest) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	started := c.group.TryGo(func() error {
		c.process(req)
		return nil
	})
	if !started {
		return ErrBusy
	}
	return nil
}

// Results returns the channel of recognition results. Closed after Close.
func (c *Client) Results() <-chan classifier.Result {
	return c.results
}

// Close aborts in-flight requests, waits for all workers to exit, and closes
// the Results channel. Safe to call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.group.Wait()
		close(c.results)
	})
	return nil
}

// Ensure Client implements classifier.RecognitionGateway at compile time.
var _ classifier.RecognitionGateway = (*Client)(nil)

// process runs the full retry cycle for one segment and delivers the result.
// A segment that exhausts its attempts produces no result at all.
func (c *Client) process(req classifier.SegmentRequest) {
	backoff := c.retryBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		text, confidence, speaker, err := c.infer(req)
		if err == nil {
			res := classifier.Result{
				StreamID:      req.StreamID,
				CorrelationID: req.CorrelationID,
				Text:          text,
				SpeakerID:     speaker,
				Confidence:    confidence,
			}
			if res.SpeakerID == "" {
				res.SpeakerID = req.SpeakerID
			}
			select {
			case c.results <- res:
			case <-c.done:
			}
			return
		}

		if c.ctx.Err() != nil {
			return
		}

		c.log.Warn("recognition attempt failed",
			"stream_id", req.StreamID,
			"correlation_id", req.CorrelationID,
			"attempt", attempt,
			"error", err,
		)

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	c.log.Error("segment abandoned after max attempts",
		"stream_id", req.StreamID,
		"correlation_id", req.CorrelationID,
		"max_attempts", c.maxAttempts,
	)
}

// ---- wire format ----

// inferenceRequest is the JSON body POSTed to the recognizer.
type inferenceRequest struct {
	AudioBase64     string   `json:"audio_base64"`
	SampleRate      int      `json:"sample_rate"`
	SpeakerID       string   `json:"speaker_id,omitempty"`
	Diarize         bool     `json:"diarize,omitempty"`
	Model           string   `json:"model,omitempty"`
	Language        string   `json:"language,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	SentenceHistory []string `json:"recog_sent_history,omitempty"`
}

// inferenceResponse is the JSON body the recognizer answers with.
type inferenceResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	SpeakerID  string  `json:"speaker_id"`
}

// infer POSTs one segment to the recognizer's /inference endpoint and
// returns the transcription.
func (c *Client) infer(req classifier.SegmentRequest) (text string, confidence float64, speaker string, err error) {
	body, err := sonic.Marshal(inferenceRequest{
		AudioBase64:     base64.StdEncoding.EncodeToString(req.Audio),
		SampleRate:      req.SampleRate,
		SpeakerID:       req.SpeakerID,
		Diarize:         req.Diarize,
		Model:           c.model,
		Language:        c.language,
		Prompt:          req.Prompt,
		SentenceHistory: req.History,
	})
	if err != nil {
		return "", 0, "", fmt.Errorf("asrhttp: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.requestTimeout)
	defer cancel()

	endpoint := c.serverURL + "/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, "", fmt.Errorf("asrhttp: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, "", fmt.Errorf("asrhttp: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, "", fmt.Errorf("asrhttp: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, "", fmt.Errorf("asrhttp: read response body: %w", err)
	}

	var result inferenceResponse
	if err := sonic.Unmarshal(data, &result); err != nil {
		return "", 0, "", fmt.Errorf("asrhttp: parse JSON response: %w", err)
	}

	return result.Text, result.Confidence, result.SpeakerID, nil
}
