package stat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/source"
)

// ErrCollaboratorTimeout marks a read that ran out of its per-call budget.
var ErrCollaboratorTimeout = errors.New("collaborator call timed out")

const maxDocumentSize = 4 << 20

// ClientConfig configures the statistics client.
type ClientConfig struct {
	URL           string
	Sources       []source.Name
	HTTPClient    *http.Client
	Timeout       time.Duration
	Attempts      int
	RetryInterval time.Duration
	Parser        *Parser
	Logger        *slog.Logger
	Now           func() time.Time
}

// Client fetches and parses the statistics endpoint.
type Client struct {
	url      string
	sources  []source.Name
	http     *http.Client
	timeout  time.Duration
	attempts int
	interval time.Duration
	parser   *Parser
	logger   *slog.Logger
	now      func() time.Time
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("stat url is required")
	}
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one source is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	parser := cfg.Parser
	if parser == nil {
		parser = NewParser()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		url:      url,
		sources:  append([]source.Name(nil), cfg.Sources...),
		http:     httpClient,
		timeout:  timeout,
		attempts: cfg.Attempts,
		interval: cfg.RetryInterval,
		parser:   parser,
		logger:   logger,
		now:      now,
	}, nil
}

// Read fetches and parses one statistics document. Every failure wraps
// ErrStatUnavailable.
func (c *Client) Read(ctx context.Context) (Report, error) {
	doc, err := c.fetch(ctx)
	if err != nil {
		return Report{}, err
	}
	report, err := c.parser.Parse(doc, c.sources)
	if err != nil {
		return Report{}, err
	}
	report.ReadAt = c.now()
	return report, nil
}

// Raw returns the unparsed document, for diagnostics.
func (c *Client) Raw(ctx context.Context) ([]byte, error) {
	return c.fetch(ctx)
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	attempts := c.attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		doc, err := c.fetchOnce(ctx)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		c.logger.Warn("stat request failed", "url", c.url, "attempt", attempt, "error", err)
		if c.interval > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrStatUnavailable, ctx.Err())
			case <-time.After(c.interval):
			}
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrStatUnavailable, err)
	}
	req.Header.Set("Accept", "application/xml, text/xml")
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w: %v", ErrStatUnavailable, ErrCollaboratorTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStatUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: %s", ErrStatUnavailable, resp.Status, strings.TrimSpace(string(snippet)))
	}
	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w: %v", ErrStatUnavailable, ErrCollaboratorTimeout, err)
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrStatUnavailable, err)
	}
	return doc, nil
}
