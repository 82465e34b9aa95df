package mutator

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a JSONPath: an object key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key returns an object key segment.
func Key(k string) Segment { return Segment{Key: k} }

// Index returns an array index segment.
func Index(i int) Segment { return Segment{Index: i, IsIndex: true} }

// JSONPath addresses a node in a JSON document. It is kept as segments so
// keys containing dots or brackets stay unambiguous; the dotted form is only
// produced for display and accepted back through ParseJSONPath.
type JSONPath []Segment

// String renders the path as "user.tags[2]". Key characters that would be
// read as syntax (. [ ] \) are escaped with a backslash.
func (p JSONPath) String() string {
	var b strings.Builder
	for i, s := range p {
		if s.IsIndex {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(s.Index))
			b.WriteByte(']')
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		for _, r := range s.Key {
			switch r {
			case '.', '[', ']', '\\':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// append returns a new path with seg added, never sharing the backing array
// with p so sibling paths built from the same prefix stay independent.
func (p JSONPath) append(seg Segment) JSONPath {
	out := make(JSONPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// ParseJSONPath parses the String form back into segments.
func ParseJSONPath(s string) (JSONPath, error) {
	var (
		path    JSONPath
		key     strings.Builder
		inKey   bool
		escaped bool
	)

	flushKey := func() {
		path = append(path, Key(key.String()))
		key.Reset()
		inKey = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			key.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
			inKey = true
		case '.':
			if inKey || (len(path) == 0 && i == 0) {
				flushKey()
			}
			// A dot must be followed by a key; an empty one is still a key.
			inKey = true
		case '[':
			if inKey {
				flushKey()
			}
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated index at offset %d in %q", i, s)
			}
			idx, err := strconv.Atoi(s[i+1 : i+end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid index %q in %q", s[i+1:i+end], s)
			}
			path = append(path, Index(idx))
			i += end
		case ']':
			return nil, fmt.Errorf("unexpected ']' at offset %d in %q", i, s)
		default:
			key.WriteByte(c)
			inKey = true
		}
	}
	if escaped {
		return nil, fmt.Errorf("dangling escape in %q", s)
	}
	if inKey {
		flushKey()
	}
	return path, nil
}
