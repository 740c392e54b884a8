package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"podlink/cli/internal/model"
)

const (
	DefaultPingTimeout = 3 * time.Second
	pingPath           = "/_ping"
)

// Dial opens a raw connection to the target endpoint.
func Dial(ctx context.Context, t Target) (net.Conn, error) {
	switch t.Kind {
	case KindPipe:
		return dialPipe(ctx, t.NamedPipePath)
	case KindSocket:
		var d net.Dialer
		return d.DialContext(ctx, "unix", t.SocketPath)
	default:
		return nil, model.NewError(model.CodeTransportResolve, "unknown target kind "+string(t.Kind), nil)
	}
}

// HTTPClient returns a client whose every request is dialed to t, whatever
// host the request URL names.
func HTTPClient(t Target) *http.Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return Dial(ctx, t)
		},
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		DisableCompression:    true,
	}
	return &http.Client{Transport: tr}
}

// PingTarget expects `GET /_ping` to answer OK.
func PingTarget(ctx context.Context, client *http.Client, t Target) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL(t.BaseURL, pingPath), nil)
	if err != nil {
		return errors.Wrap(err, "build ping request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "ping %s", t)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "OK" {
		return errors.Errorf("ping %s: unexpected answer %d %q", t, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Request is one proxied engine API call.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

type Response struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Data       json.RawMessage   `json:"data"`
}

// Do sends r to t. Non-2xx answers are returned as a Response with OK false,
// only transport failures are errors.
func Do(ctx context.Context, client *http.Client, t Target, r Request) (Response, error) {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var body io.Reader
	if len(r.Data) > 0 {
		body = bytes.NewReader(r.Data)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL(t.BaseURL, r.URL), body)
	if err != nil {
		return Response{}, errors.Wrap(err, "build api request")
	}
	if len(r.Params) > 0 {
		q := req.URL.Query()
		for k, v := range r.Params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, errors.Wrapf(err, "%s %s", method, r.URL)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errors.Wrap(err, "read api response")
	}
	out := Response{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    map[string]string{},
		Data:       encodeBody(raw),
	}
	for k := range resp.Header {
		out.Headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return out, nil
}

// encodeBody keeps JSON bodies as-is and quotes everything else.
func encodeBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(raw))
	return json.RawMessage(quoted)
}

func requestURL(base, p string) string {
	if base == "" {
		base = "http://localhost"
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(base, "/") + p
}
