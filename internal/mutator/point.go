package mutator

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// PointKind is the closed set of locations a payload can be written to.
type PointKind int

const (
	PointURLParam PointKind = iota
	PointHeader
	PointJSONField
	PointFormParam
)

func (k PointKind) String() string {
	switch k {
	case PointURLParam:
		return "param"
	case PointHeader:
		return "header"
	case PointJSONField:
		return "json"
	case PointFormParam:
		return "form"
	default:
		return fmt.Sprintf("PointKind(%d)", int(k))
	}
}

// InjectionPoint addresses one fuzzable location in a request. Name is set
// for URL, header and form points; Path is set for JSON points.
type InjectionPoint struct {
	Kind PointKind
	Name string
	Path JSONPath
}

// URLParam returns a query parameter point.
func URLParam(name string) InjectionPoint { return InjectionPoint{Kind: PointURLParam, Name: name} }

// Header returns a header point.
func Header(name string) InjectionPoint { return InjectionPoint{Kind: PointHeader, Name: name} }

// FormParam returns a urlencoded form field point.
func FormParam(name string) InjectionPoint { return InjectionPoint{Kind: PointFormParam, Name: name} }

// JSONField returns a JSON leaf point.
func JSONField(path JSONPath) InjectionPoint { return InjectionPoint{Kind: PointJSONField, Path: path} }

// String renders the annotation used inside finding labels, e.g. "param: id".
func (p InjectionPoint) String() string {
	switch p.Kind {
	case PointJSONField:
		return "json: " + p.Path.String()
	default:
		return p.Kind.String() + ": " + p.Name
	}
}

// FormatLabel builds the finding label for kind detected at point.
func FormatLabel(kind schemas.VulnerabilityKind, p InjectionPoint) string {
	return fmt.Sprintf("%s [%s]", kind, p)
}

// blacklistedHeaders are managed by the transport or would break the
// connection if rewritten.
var blacklistedHeaders = map[string]struct{}{
	"host":                {},
	"content-length":      {},
	"content-type":        {},
	"connection":          {},
	"accept-encoding":     {},
	"transfer-encoding":   {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
	"via":                 {},
	"proxy-authorization": {},
	"proxy-connection":    {},
}

// IsBlacklistedHeader reports whether name may never be an injection point.
func IsBlacklistedHeader(name string) bool {
	_, ok := blacklistedHeaders[strings.ToLower(name)]
	return ok
}
