package schemas

import (
	"net/http"
	"net/url"
	"strings"
)

// -- Request Schemas --

// BodyKind classifies a request body by its declared Content-Type.
type BodyKind string

const (
	BodyJSON      BodyKind = "json"
	BodyForm      BodyKind = "form"
	BodyMultipart BodyKind = "multipart"
	BodyRaw       BodyKind = "raw"
	BodyNone      BodyKind = "none"
)

// BodyKindFromContentType maps a Content-Type value onto a BodyKind. An empty
// value means the header was absent.
func BodyKindFromContentType(contentType string) BodyKind {
	if contentType == "" {
		return BodyNone
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/json"):
		return BodyJSON
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		return BodyForm
	case strings.Contains(ct, "multipart/form-data"):
		return BodyMultipart
	default:
		return BodyRaw
	}
}

// Request is the unit the scanner mutates and sends. The body kind is fixed
// when the request is built and is carried unchanged through Clone, so a
// mutated body never changes how the request is interpreted.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   string

	bodyKind BodyKind
}

// NewRequest builds a Request and derives its body kind from the
// Content-Type header. A nil header is replaced with an empty one.
func NewRequest(method string, u *url.URL, header http.Header, body string) *Request {
	if header == nil {
		header = make(http.Header)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:   method,
		URL:      u,
		Header:   header,
		Body:     body,
		bodyKind: BodyKindFromContentType(header.Get("Content-Type")),
	}
}

// NewBaselineRequest builds the plain GET request used for a seed target.
func NewBaselineRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return NewRequest(http.MethodGet, u, nil, ""), nil
}

// BodyKind reports the kind derived at construction.
func (r *Request) BodyKind() BodyKind {
	return r.bodyKind
}

// Clone returns a deep copy that shares nothing mutable with r.
func (r *Request) Clone() *Request {
	c := &Request{
		Method:   r.Method,
		Header:   r.Header.Clone(),
		Body:     r.Body,
		bodyKind: r.bodyKind,
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.URL != nil {
		u := *r.URL
		if r.URL.User != nil {
			user := *r.URL.User
			u.User = &user
		}
		c.URL = &u
	}
	return c
}

// HeaderPairs flattens the header multimap into ordered name/value pairs,
// sorted by name for stable output.
func (r *Request) HeaderPairs() [][2]string {
	return headerPairs(r.Header)
}

// -- Response Schemas --

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the Content-Type header, or an empty string.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Server returns the Server banner, or an empty string.
func (r *Response) Server() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Server")
}
