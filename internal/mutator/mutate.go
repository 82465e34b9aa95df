package mutator

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// Mutate returns a copy of req with payload written at point. Everything else
// is left as it was. A mutation that cannot be applied (invalid header value,
// JSON path no longer present, body not JSON) yields an unmodified copy.
// Content-Length always reflects the returned body.
func Mutate(req *schemas.Request, point InjectionPoint, payload string) *schemas.Request {
	out := req.Clone()

	switch point.Kind {
	case PointURLParam:
		if out.URL != nil {
			out.URL.RawQuery = mutateQuery(out.URL.RawQuery, point.Name, payload)
		}
	case PointHeader:
		setHeader(out.Header, point.Name, payload)
	case PointJSONField:
		if body, ok := mutateJSON(out.Body, point.Path, payload); ok {
			out.Body = body
		}
	case PointFormParam:
		out.Body = mutateForm(out.Body, point.Name, payload)
	}

	out.Header.Set("Content-Length", strconv.Itoa(len(out.Body)))
	return out
}

// mutateQuery rewrites the value of every pair whose decoded key is name.
// Other pairs keep their exact original text and position.
func mutateQuery(rawQuery, name, payload string) string {
	if rawQuery == "" {
		return rawQuery
	}
	parts := strings.Split(rawQuery, "&")
	for i, part := range parts {
		if part == "" {
			continue
		}
		rawKey, _, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		if key == name {
			parts[i] = rawKey + "=" + url.QueryEscape(payload)
		}
	}
	return strings.Join(parts, "&")
}

// setHeader replaces every spelling of name with a single value. Values the
// HTTP grammar rejects leave the header untouched.
func setHeader(h http.Header, name, value string) {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return
	}
	for existing := range h {
		if strings.EqualFold(existing, name) {
			delete(h, existing)
		}
	}
	h.Set(name, value)
}

func mutateForm(body, name, payload string) string {
	parts := strings.Split(body, "&")
	for i, part := range parts {
		key, _, ok := strings.Cut(part, "=")
		if ok && key != "" && key == name {
			parts[i] = key + "=" + url.QueryEscape(payload)
		}
	}
	return strings.Join(parts, "&")
}

// mutateJSON overwrites the node at path. It reports false when the body is
// not JSON or any segment of the path is missing.
func mutateJSON(body string, path JSONPath, payload string) (string, bool) {
	if len(path) == 0 {
		return body, false
	}
	root, err := decodeJSON(body)
	if err != nil {
		return body, false
	}

	node := root
	for _, seg := range path[:len(path)-1] {
		next, ok := child(node, seg)
		if !ok {
			return body, false
		}
		node = next
	}

	last := path[len(path)-1]
	switch container := node.(type) {
	case map[string]interface{}:
		old, ok := container[last.Key]
		if last.IsIndex || !ok {
			return body, false
		}
		container[last.Key] = convertLeaf(old, payload)
	case []interface{}:
		if !last.IsIndex || last.Index < 0 || last.Index >= len(container) {
			return body, false
		}
		container[last.Index] = convertLeaf(container[last.Index], payload)
	default:
		return body, false
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(root); err != nil {
		return body, false
	}
	return strings.TrimSuffix(buf.String(), "\n"), true
}

func child(node interface{}, seg Segment) (interface{}, bool) {
	switch v := node.(type) {
	case map[string]interface{}:
		if seg.IsIndex {
			return nil, false
		}
		c, ok := v[seg.Key]
		return c, ok
	case []interface{}:
		if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(v) {
			return nil, false
		}
		return v[seg.Index], true
	default:
		return nil, false
	}
}

// convertLeaf keeps the JSON type of the replaced leaf when payload can be
// read as that type: numbers stay numbers, booleans stay booleans.
func convertLeaf(old interface{}, payload string) interface{} {
	switch old.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(payload, 10, 64); err == nil {
			return json.Number(strconv.FormatInt(n, 10))
		}
		if f, err := strconv.ParseFloat(payload, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
		}
	case bool:
		switch {
		case strings.EqualFold(payload, "true"):
			return true
		case strings.EqualFold(payload, "false"):
			return false
		}
	}
	return payload
}
