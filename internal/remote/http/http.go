package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskup/outbox/internal/remote"
	"github.com/taskup/outbox/internal/util"
	"github.com/taskup/outbox/pkg/operation"
)

type Config struct {
	Url               string            `flag:"url" desc:"remote api base url" default:"http://127.0.0.1:8080"`
	Timeout           time.Duration     `flag:"timeout" desc:"http request timeout" default:"30s"`
	ConnTimeout       time.Duration     `flag:"conn-timeout" desc:"http connection timeout" default:"10s"`
	Token             string            `flag:"token" desc:"bearer token sent with every request"`
	IdempotencyHeader string            `flag:"idempotency-header" desc:"header carrying the operation id, empty to disable" default:"Idempotency-Key"`
	Headers           map[string]string `flag:"headers" desc:"additional headers sent with every request"`
}

type Http struct {
	config *Config
	base   *url.URL
	client *http.Client
}

func New(config *Config) (*Http, error) {
	base, err := url.Parse(config.Url)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url '%s': scheme must be http or https", config.Url)
	}

	return &Http{
		config: config,
		base:   base,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: config.ConnTimeout,
				}).DialContext,
			},
		},
	}, nil
}

func (h *Http) String() string {
	return fmt.Sprintf("remote:http(%s)", h.base)
}

// Execute sends a single request. Any response with a non 2xx status is an
// application error; everything else that prevents a response is a
// transport error.
func (h *Http) Execute(ctx context.Context, verb operation.Verb, endpoint string, payload json.RawMessage) error {
	if !verb.Valid() {
		return fmt.Errorf("invalid verb %d", verb)
	}

	var body io.Reader
	if verb.HasPayload() && len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, verb.Method(), h.resolve(endpoint), body)
	if err != nil {
		return err
	}

	for _, kv := range util.OrderedRangeKV(h.config.Headers) {
		req.Header.Set(kv.Key, kv.Value)
	}

	if h.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.Token)
	}

	if key, ok := remote.IdempotencyKey(ctx); ok && h.config.IdempotencyHeader != "" {
		req.Header.Set(h.config.IdempotencyHeader, key)
	}

	// set non-overridable headers
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := h.client.Do(req)
	if err != nil {
		return remote.NewTransportError(err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	if len(bytes.TrimSpace(msg)) == 0 {
		return remote.NewApplicationError(res.StatusCode, nil)
	}

	return remote.NewApplicationError(res.StatusCode, errors.New(strings.TrimSpace(string(msg))))
}

func (h *Http) resolve(endpoint string) string {
	u := *h.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	return u.String()
}
