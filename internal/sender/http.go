package sender

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// maxErrorBody caps how much of an error response is kept in ServerError.
const maxErrorBody = 4096

// HTTPOptions configures an HTTPSender
type HTTPOptions struct {
	URL     string
	Timeout time.Duration `default:"10s"`
	Tokens  TokenSource
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// HTTPSender POSTs each record verbatim as application/json.
type HTTPSender struct {
	url    string
	client *http.Client
	tokens TokenSource
	logger *logrus.Logger
}

var _ Sender = (*HTTPSender)(nil)

func NewHTTPSender(opts HTTPOptions, logger *logrus.Logger) (*HTTPSender, error) {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid sender URL %q: %w", opts.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid sender URL %q: expected http(s)://host/path", opts.URL)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &HTTPSender{
		url:    u.String(),
		client: client,
		tokens: opts.Tokens,
		logger: logger,
	}, nil
}

// Send posts body. See the package errors for the failure classification.
func (s *HTTPSender) Send(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(body))
	if err != nil {
		return &TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return &TransportError{Op: "obtain token", Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransportError{Op: "post " + s.url, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.WithFields(logrus.Fields{
		"status":     resp.StatusCode,
		"request_id": req.Header.Get("X-Request-ID"),
		"bytes":      len(body),
	}).Debug("Record posted")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &ServerError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
}
