package mutator

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// Extract enumerates every injection point in req. It never fails: an
// unparsable JSON body simply contributes no points. Within each kind the
// order is stable (query order, sorted header names, sorted JSON keys, body
// order for forms).
func Extract(req *schemas.Request) []InjectionPoint {
	if req == nil {
		return nil
	}
	var points []InjectionPoint

	if req.URL != nil {
		for _, pair := range splitQuery(req.URL.RawQuery) {
			points = append(points, URLParam(pair.key))
		}
	}

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		if !IsBlacklistedHeader(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		points = append(points, Header(name))
	}

	switch req.BodyKind() {
	case schemas.BodyJSON:
		if root, err := decodeJSON(req.Body); err == nil {
			collectLeaves(root, nil, &points)
		}
	case schemas.BodyForm:
		for _, part := range strings.Split(req.Body, "&") {
			// A pair without "=" is not a parameter.
			key, _, ok := strings.Cut(part, "=")
			if ok && key != "" {
				points = append(points, FormParam(key))
			}
		}
	case schemas.BodyMultipart, schemas.BodyRaw, schemas.BodyNone:
	}

	return points
}

// collectLeaves walks a decoded JSON tree and appends a point for every
// scalar leaf. Object keys are visited in sorted order.
func collectLeaves(node interface{}, prefix JSONPath, out *[]InjectionPoint) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectLeaves(v[k], prefix.append(Key(k)), out)
		}
	case []interface{}:
		for i, child := range v {
			collectLeaves(child, prefix.append(Index(i)), out)
		}
	default:
		if len(prefix) > 0 {
			*out = append(*out, JSONField(prefix))
		}
	}
}

// decodeJSON parses a complete JSON document, keeping numbers as
// json.Number so they survive a rewrite untouched.
func decodeJSON(body string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON document")
	}
	return root, nil
}

type queryPair struct {
	raw string
	key string
}

// splitQuery splits a raw query into its non-empty pairs, decoding keys the
// way forms are decoded ('+' is a space). Undecodable keys are kept raw.
func splitQuery(rawQuery string) []queryPair {
	if rawQuery == "" {
		return nil
	}
	var pairs []queryPair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		rawKey, _, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		pairs = append(pairs, queryPair{raw: part, key: key})
	}
	return pairs
}
