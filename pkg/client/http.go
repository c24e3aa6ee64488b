package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-go-golems/desktopctl/pkg/protocol"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const apiPrefix = "/api/v1"

type HTTPOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client (tests use httptest's).
	HTTPClient *http.Client
}

type HTTPClient struct {
	base  *url.URL
	token string
	hc    *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("missing server url")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse server url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	hc := opts.HTTPClient
	if hc == nil {
		if opts.Timeout <= 0 {
			opts.Timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPClient{base: base, token: opts.Token, hc: hc}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, scenarioName string, opts protocol.FetchOptions) (protocol.FetchResponse, error) {
	q := url.Values{}
	if fp := opts.Fingerprint; fp != nil && !fp.IsZero() {
		q.Set("manifest_path", fp.Path)
		q.Set("manifest_hash", fp.Hash)
	}
	var out protocol.FetchResponse
	err := c.do(ctx, "state.fetch", http.MethodGet, scenarioPath(scenarioName, "state"), q, nil, &out)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return protocol.FetchResponse{Found: false}, nil
		}
		return protocol.FetchResponse{}, err
	}
	if out.State != nil {
		out.Found = true
	}
	return out, nil
}

func (c *HTTPClient) Save(ctx context.Context, req protocol.SaveRequest) (protocol.SaveResponse, error) {
	var out protocol.SaveResponse
	err := c.do(ctx, "state.save", http.MethodPut, scenarioPath(req.ScenarioName, "state"), nil, req, &out)
	if err != nil {
		var opErr *OpError
		// 409 carries the conflict document; that is an answer, not a failure
		if errors.As(err, &opErr) && opErr.StatusCode == http.StatusConflict && out.Conflict {
			return out, nil
		}
		return protocol.SaveResponse{}, err
	}
	if !out.Conflict {
		out.Success = true
	}
	return out, nil
}

func (c *HTTPClient) Delete(ctx context.Context, scenarioName string) error {
	err := c.do(ctx, "state.delete", http.MethodDelete, scenarioPath(scenarioName, "state"), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *HTTPClient) CheckStaleness(ctx context.Context, req protocol.StalenessRequest) (protocol.StalenessResponse, error) {
	var out protocol.StalenessResponse
	err := c.do(ctx, "state.staleness", http.MethodPost, scenarioPath(req.ScenarioName, "staleness"), nil, req, &out)
	return out, err
}

func (c *HTTPClient) StartRun(ctx context.Context, req protocol.RunRequest) (protocol.RunResponse, error) {
	var out protocol.RunResponse
	if err := c.do(ctx, "pipeline.start", http.MethodPost, apiPrefix+"/pipelines", nil, req, &out); err != nil {
		return protocol.RunResponse{}, err
	}
	if out.PipelineID == "" {
		return protocol.RunResponse{}, errors.New("server returned empty pipeline_id")
	}
	return out, nil
}

func (c *HTTPClient) RunStatus(ctx context.Context, pipelineID string) (protocol.RunStatus, error) {
	var out protocol.RunStatus
	err := c.do(ctx, "pipeline.status", http.MethodGet, apiPrefix+"/pipelines/"+url.PathEscape(pipelineID), nil, nil, &out)
	if err != nil {
		return protocol.RunStatus{}, err
	}
	if out.PipelineID == "" {
		out.PipelineID = pipelineID
	}
	return out, nil
}

func (c *HTTPClient) CancelRun(ctx context.Context, pipelineID string) error {
	return c.do(ctx, "pipeline.cancel", http.MethodPost, apiPrefix+"/pipelines/"+url.PathEscape(pipelineID)+"/cancel", nil, nil, nil)
}

func scenarioPath(name, leaf string) string {
	return apiPrefix + "/scenarios/" + url.PathEscape(name) + "/" + leaf
}

// do issues one request. On non-2xx answers the body is still decoded into
// out when it is JSON, and an *OpError is returned.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, in any, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: marshal request", op)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	rid := uuid.NewString()
	req.Header.Set("X-Request-ID", rid)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s", op)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrapf(err, "%s: read response", op)
	}
	log.Debug().
		Str("op", op).
		Str("request_id", rid).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("server call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(bytes.TrimSpace(b)) > 0 {
			if err := json.Unmarshal(b, out); err != nil {
				return errors.Wrapf(err, "%s: decode response", op)
			}
		}
		return nil
	}

	opErr := &OpError{Op: op, StatusCode: resp.StatusCode, Code: codeForStatus(resp.StatusCode)}
	var perr struct {
		Error *protocol.Error `json:"error"`
	}
	if json.Unmarshal(b, &perr) == nil && perr.Error != nil {
		if perr.Error.Code != "" {
			opErr.Code = perr.Error.Code
		}
		opErr.Message = perr.Error.Message
	} else if len(b) > 0 && !json.Valid(b) {
		opErr.Message = strings.TrimSpace(string(b))
	}
	if out != nil && json.Valid(b) {
		_ = json.Unmarshal(b, out)
	}
	return opErr
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return protocol.ErrNotFound
	case status == http.StatusConflict:
		return protocol.ErrConflict
	case status >= 500 || status == http.StatusTooManyRequests:
		return protocol.ErrUnavailable
	default:
		return protocol.ErrInvalidRequest
	}
}
