package processors

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/nodedata"
	"github.com/rendis/nodeflow/pkg/schema"
)

// HTTPConfig configures the http processor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPProcessor performs the request described by the node config and
// emits {status_code, headers, body}. Every string in the config may be
// templated. Config keys: method, url, headers, query, body, bodyEncoding
// (json|form|text), auth {type: bearer|basic|api_key}, timeout,
// maxResponseBytes, failOnErrorStatus, tlsSkipVerify.
type HTTPProcessor struct {
	config HTTPConfig
}

// NewHTTPProcessor creates the http processor.
func NewHTTPProcessor(cfg HTTPConfig) *HTTPProcessor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPProcessor{config: cfg}
}

func (p *HTTPProcessor) Type() string        { return string(schema.NodeTypeHTTP) }
func (p *HTTPProcessor) Description() string { return "Call an HTTP endpoint." }

func (p *HTTPProcessor) ProcessNodeData(ctx context.Context, node schema.Node, in nodedata.NodeData, pc *Context) (nodedata.NodeData, error) {
	resolved, err := pc.resolveValue(ctx, node, in, node.Config)
	if err != nil {
		return nodedata.NodeData{}, err
	}
	params, _ := resolved.Any().(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nodedata.NodeData{}, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", rawURL)
	}
	if query, ok := params["query"].(map[string]any); ok {
		q := u.Query()
		for k, v := range query {
			q.Set(k, nodedata.FromAny(v).Text())
		}
		u.RawQuery = q.Encode()
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	timeout := durationParam(params, "timeout", p.config.DefaultTimeout)
	maxBody := int64(intParam(params, "maxResponseBytes", 0))
	if maxBody <= 0 || maxBody > p.config.MaxResponseBody {
		maxBody = p.config.MaxResponseBody
	}

	bodyReader, contentType, err := encodeBody(params)
	if err != nil {
		return nodedata.NodeData{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		return nodedata.NodeData{}, schema.NewError(schema.ErrCodeExecution, "http: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, nodedata.FromAny(v).Text())
		}
	}
	applyAuth(req, params)

	resp, err := p.client(params).Do(req)
	if err != nil {
		return nodedata.NodeData{}, schema.NewErrorf(schema.ErrCodeExecution, "http: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nodedata.NodeData{}, schema.NewError(schema.ErrCodeExecution, "http: failed to read response body").WithCause(err)
	}

	respHeaders := make(map[string]nodedata.Value, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = nodedata.String(resp.Header.Get(k))
	}
	result := nodedata.Object(map[string]nodedata.Value{
		"status_code": nodedata.Number(float64(resp.StatusCode)),
		"headers":     nodedata.Object(respHeaders),
		"body":        decodeBody(resp.Header.Get("Content-Type"), bodyBytes),
	})

	if boolParam(params, "failOnErrorStatus", false) && resp.StatusCode >= 400 {
		return nodedata.NodeData{}, schema.NewErrorf(schema.ErrCodeExecution, "http: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"response": result.Any()})
	}
	return emit(node, in, result), nil
}

func (p *HTTPProcessor) client(params map[string]any) *http.Client {
	if p.config.Client != nil {
		return p.config.Client
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(params, "tlsSkipVerify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	rawBody, ok := params["body"]
	if !ok || rawBody == nil {
		return nil, "", nil
	}
	switch stringParam(params, "bodyEncoding", "json") {
	case "form":
		form, ok := rawBody.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, nodedata.FromAny(v).Text())
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(nodedata.FromAny(rawBody).Text()), "text/plain", nil
	default:
		if s, ok := rawBody.(string); ok && json.Valid([]byte(s)) {
			return strings.NewReader(s), "application/json", nil
		}
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeExecution, "http: failed to marshal body as JSON").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "headerName", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "headerValue", ""))
		}
	}
}

// decodeBody parses JSON responses and keeps everything else as text.
func decodeBody(contentType string, body []byte) nodedata.Value {
	if len(body) == 0 {
		return nodedata.Null
	}
	if strings.Contains(contentType, "json") {
		var v nodedata.Value
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return nodedata.String(string(body))
}
