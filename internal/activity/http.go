package activity

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"
)

// httpArgs is the evaluated with-block of a call: http task.
type httpArgs struct {
	Method   string            `json:"method"`
	Endpoint any               `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
	Body     any               `json:"body"`
	Query    map[string]any    `json:"query"`
	Output   string            `json:"output"`
	Redirect bool              `json:"redirect"`
}

// httpReply carries the response through the circuit breaker.
type httpReply struct {
	status int
	header http.Header
	body   []byte
}

func (v *Invoker) callHTTP(ctx context.Context, args map[string]any) (any, error) {
	var a httpArgs
	if err := decodeWith(args, &a); err != nil {
		return nil, err
	}
	uri, err := endpointURI(a.Endpoint)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch a.Output {
	case "", "content", "raw", "response":
	default:
		return nil, configError("unsupported http output mode %q", a.Output)
	}

	target, err := url.Parse(uri)
	if err != nil {
		return nil, configError("invalid http endpoint %q: %v", uri, err)
	}
	if len(a.Query) > 0 {
		q := target.Query()
		for k, val := range a.Query {
			q.Set(k, fmt.Sprint(val))
		}
		target.RawQuery = q.Encode()
	}

	body, contentType, err := encodeBody(a.Body)
	if err != nil {
		return nil, err
	}

	if v.cfg.HTTPTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.HTTPTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, configError("build http request: %v", err)
	}
	for k, val := range a.Headers {
		req.Header.Set(k, val)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := &http.Client{}
	if !a.Redirect {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	// The breaker guards reachability, not application statuses: only
	// transport-level failures count toward tripping it.
	reply, err := v.breaker(target.Host).Execute(func() (any, error) {
		resp, derr := client.Do(req)
		if derr != nil {
			return nil, derr
		}
		defer resp.Body.Close()
		data, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return nil, fmt.Errorf("read response body: %w", rerr)
		}
		return &httpReply{status: resp.StatusCode, header: resp.Header, body: data}, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, commError("circuit open for %s", target.Host)
		default:
			return nil, commError("http %s %s: %v", method, target, err)
		}
	}
	r := reply.(*httpReply)

	ok := r.status >= 200 && r.status < 300
	if a.Redirect {
		ok = ok || (r.status >= 300 && r.status < 400)
	}
	if !ok {
		we := commError("http %s %s returned status %d", method, target, r.status)
		we.Status = r.status
		return nil, we
	}

	switch a.Output {
	case "raw":
		return base64.StdEncoding.EncodeToString(r.body), nil
	case "response":
		return map[string]any{
			"request": map[string]any{
				"method":  method,
				"uri":     target.String(),
				"headers": a.Headers,
			},
			"statusCode": r.status,
			"headers":    flattenHeader(r.header),
			"content":    decodeContent(r.header.Get("Content-Type"), r.body),
		}, nil
	default:
		return decodeContent(r.header.Get("Content-Type"), r.body), nil
	}
}

// endpointURI accepts the two DSL endpoint forms: a bare URI string or an
// object with a uri field.
func endpointURI(ep any) (string, error) {
	switch t := ep.(type) {
	case string:
		if t == "" {
			return "", configError("http call has an empty endpoint")
		}
		return t, nil
	case map[string]any:
		if s, ok := t["uri"].(string); ok && s != "" {
			return s, nil
		}
		return "", configError("http endpoint object is missing a uri")
	case nil:
		return "", configError("http call has no endpoint")
	default:
		return "", configError("http endpoint must be a string or an object with a uri")
	}
}

// encodeBody serializes the request body. Strings pass through untouched;
// anything else is sent as JSON.
func encodeBody(body any) (io.Reader, string, error) {
	switch t := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(t), "", nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, "", configError("encode http body: %v", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

// decodeContent parses a response body by media type: JSON becomes structured
// data, text stays a string, and anything else is base64.
func decodeContent(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	switch {
	case strings.Contains(mt, "json"):
		var out any
		if jerr := json.Unmarshal(body, &out); jerr == nil {
			return out
		}
		return string(body)
	case strings.HasPrefix(mt, "text/"), mt == "":
		return string(body)
	default:
		return base64.StdEncoding.EncodeToString(body)
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
