package mutator

import (
	"net/http"
	"net/url"
	"strconv"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// FuzzExtractMutate feeds structured random requests through Extract and
// Mutate and checks the properties that must hold for any input.
func FuzzExtractMutate(f *testing.F) {
	f.Add([]byte(`{"user":{"name":"john"}}`))
	f.Add([]byte("a=1&b=2"))

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)

		contentType, err := consumer.GetString()
		if err != nil {
			return
		}
		body, err := consumer.GetString()
		if err != nil {
			return
		}
		query, err := consumer.GetString()
		if err != nil {
			return
		}
		payload, err := consumer.GetString()
		if err != nil {
			return
		}

		h := make(http.Header)
		h.Set("Content-Type", contentType)
		u := &url.URL{Scheme: "http", Host: "fuzz.test", Path: "/", RawQuery: query}
		req := schemas.NewRequest(http.MethodPost, u, h, body)
		kind := req.BodyKind()

		points := Extract(req)
		for _, p := range points {
			mutated := Mutate(req, p, payload)
			if got := mutated.Header.Get("Content-Length"); got != strconv.Itoa(len(mutated.Body)) {
				t.Fatalf("content-length %q does not match body length %d", got, len(mutated.Body))
			}
			if mutated.BodyKind() != kind {
				t.Fatalf("body kind changed from %s to %s", kind, mutated.BodyKind())
			}
			if p.Kind == PointJSONField {
				if _, err := ParseJSONPath(p.Path.String()); err != nil {
					t.Fatalf("path %q does not parse back: %v", p.Path.String(), err)
				}
			}
		}
		if req.Body != body {
			t.Fatal("request body modified in place")
		}
	})
}
