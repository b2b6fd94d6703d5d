package builtin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pranaflow/prana/internal/integration"
)

// maxResponseBody caps how much of a response is read into the envelope.
const maxResponseBody = 10 << 20

// httpRequest performs an outbound HTTP request and completes with a
// response envelope. Non-2xx responses complete on the "error" port with
// the same envelope; only transport failures fail the attempt.
type httpRequest struct {
	client *http.Client
}

func newHTTPRequest() *httpRequest {
	return &httpRequest{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *httpRequest) ValidateParams(params map[string]interface{}) error {
	rawURL := stringParam(params, "url")
	if rawURL == "" {
		return fmt.Errorf("http.request requires a %q param", "url")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	return nil
}

func (a *httpRequest) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"method":       map[string]interface{}{"type": "string", "default": "GET"},
		"url":          map[string]interface{}{"type": "string", "required": true},
		"headers":      map[string]interface{}{"type": "object"},
		"query_params": map[string]interface{}{"type": "object"},
		"body":         map[string]interface{}{"type": "any"},
		"body_type":    map[string]interface{}{"type": "string", "enum": []string{"json", "form", "raw"}},
		"auth":         map[string]interface{}{"type": "object"},
		"timeout":      map[string]interface{}{"type": "number", "default": 30},
	}
}

func (a *httpRequest) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	method := strings.ToUpper(stringParam(params, "method"))
	if method == "" {
		method = http.MethodGet
	}

	target, err := url.Parse(stringParam(params, "url"))
	if err != nil {
		return integration.Fail(fmt.Errorf("invalid url: %w", err))
	}
	if qp := mapParam(params, "query_params"); len(qp) > 0 {
		q := target.Query()
		for k, v := range qp {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		target.RawQuery = q.Encode()
	}

	bodyReader, contentType, err := encodeBody(params, method)
	if err != nil {
		return integration.Fail(err)
	}

	req, err := http.NewRequest(method, target.String(), bodyReader)
	if err != nil {
		return integration.Fail(fmt.Errorf("build request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	applyAuth(req, mapParam(params, "auth"))

	client := a.client
	if seconds, ok := floatParam(params, "timeout"); ok && seconds > 0 {
		client = &http.Client{Timeout: time.Duration(seconds * float64(time.Second))}
	}

	resp, err := client.Do(req)
	if err != nil {
		return integration.Fail(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return integration.Fail(fmt.Errorf("read response body: %w", err))
	}

	envelope := responseEnvelope(resp, raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return integration.OK(envelope).WithPort("error")
	}
	return integration.OK(envelope)
}

func encodeBody(params map[string]interface{}, method string) (io.Reader, string, error) {
	body, ok := params["body"]
	if !ok || body == nil {
		return nil, "", nil
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, "", nil
	}

	bodyType := stringParam(params, "body_type")
	if bodyType == "" {
		bodyType = "json"
	}
	switch bodyType {
	case "json":
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return bytes.NewReader(encoded), "application/json", nil
	case "form":
		form := url.Values{}
		if m, ok := body.(map[string]interface{}); ok {
			for k, v := range m {
				form.Set(k, fmt.Sprintf("%v", v))
			}
		}
		return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
	case "raw":
		return strings.NewReader(fmt.Sprintf("%v", body)), "", nil
	default:
		return nil, "", fmt.Errorf("unknown body_type %q", bodyType)
	}
}

func applyAuth(req *http.Request, auth map[string]interface{}) {
	switch authType, _ := auth["type"].(string); authType {
	case "basic":
		user, _ := auth["username"].(string)
		pass, _ := auth["password"].(string)
		req.SetBasicAuth(user, pass)
	case "bearer":
		token, _ := auth["token"].(string)
		req.Header.Set("Authorization", "Bearer "+token)
	case "api_key":
		header, _ := auth["header"].(string)
		if header == "" {
			header = "X-API-Key"
		}
		key, _ := auth["key"].(string)
		req.Header.Set(header, key)
	}
}

// responseEnvelope is the fixed output shape: status, headers and the
// body, JSON-decoded when the payload parses.
func responseEnvelope(resp *http.Response, raw []byte) map[string]interface{} {
	headers := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var body interface{} = string(raw)
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			body = decoded
		}
	}

	return map[string]interface{}{
		"statusCode":    resp.StatusCode,
		"statusMessage": http.StatusText(resp.StatusCode),
		"headers":       headers,
		"body":          body,
		"ok":            resp.StatusCode >= 200 && resp.StatusCode <= 299,
	}
}
