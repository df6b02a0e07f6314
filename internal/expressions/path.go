package expressions

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rendis/nodeflow/internal/nodedata"
)

// segment is one step of a path: a field name or an array index. Bare
// numeric dot segments (items.0) and bracket indexes (items[0]) both parse
// to index segments.
type segment struct {
	key     string
	index   int
	isIndex bool
}

func (s segment) String() string {
	if s.isIndex {
		return strconv.Itoa(s.index)
	}
	return s.key
}

// parsePath splits a path such as `items[0].name`, `data.0.id` or
// `["odd key"].x` into segments.
func parsePath(path string) ([]segment, error) {
	var segs []segment
	i := 0
	expectSegment := true
	for i < len(path) {
		switch c := path[i]; c {
		case '.':
			if expectSegment {
				return nil, fmt.Errorf("empty segment at offset %d", i)
			}
			expectSegment = true
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end == -1 {
				return nil, fmt.Errorf("unclosed bracket at offset %d", i)
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			seg, err := bracketSegment(inner)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			expectSegment = false
			i += end + 1
		default:
			if !expectSegment {
				return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			segs = append(segs, plainSegment(path[i:j]))
			expectSegment = false
			i = j
		}
	}
	if expectSegment && len(segs) > 0 {
		return nil, fmt.Errorf("path %q ends with a dot", path)
	}
	return segs, nil
}

func bracketSegment(inner string) (segment, error) {
	if inner == "" {
		return segment{}, fmt.Errorf("empty brackets")
	}
	if q := inner[0]; q == '"' || q == '\'' {
		if len(inner) < 2 || inner[len(inner)-1] != q {
			return segment{}, fmt.Errorf("unterminated quoted key %s", inner)
		}
		return segment{key: inner[1 : len(inner)-1]}, nil
	}
	return plainSegment(inner), nil
}

func plainSegment(s string) segment {
	if isDigits(s) {
		if n, err := strconv.Atoi(s); err == nil {
			return segment{key: s, index: n, isIndex: true}
		}
	}
	return segment{key: s}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// navError describes why navigation stopped.
type navError struct {
	reason    Reason
	message   string
	available []string
}

// navigate applies segs to root. A non-index segment applied to an array
// other than `length` descends into the first element and is re-applied, so
// paths written against an object still work on a one-element wrapper array.
func navigate(root nodedata.Value, segs []segment) (nodedata.Value, *navError) {
	cur := root
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		switch cur.Kind() {
		case nodedata.KindArray:
			switch {
			case seg.isIndex:
				item, ok := cur.Index(seg.index)
				if !ok {
					return nodedata.Null, &navError{
						reason:    ReasonNotFound,
						message:   fmt.Sprintf("index %d out of range (length %d)", seg.index, cur.Len()),
						available: arrayPaths(cur),
					}
				}
				cur = item
			case seg.key == "length":
				cur = nodedata.Number(float64(cur.Len()))
			default:
				first, ok := cur.Index(0)
				if !ok {
					return nodedata.Null, &navError{
						reason:  ReasonNotFound,
						message: fmt.Sprintf("field %q not found: array is empty", seg.key),
					}
				}
				cur = first
				i--
			}
		case nodedata.KindObject:
			item, ok := cur.Get(seg.key)
			if !ok {
				return nodedata.Null, &navError{
					reason:    ReasonNotFound,
					message:   fmt.Sprintf("field %q not found", seg.key),
					available: cur.Keys(),
				}
			}
			cur = item
		case nodedata.KindString:
			if seg.key != "length" || seg.isIndex {
				return nodedata.Null, &navError{
					reason:    ReasonInvalidPath,
					message:   fmt.Sprintf("cannot access %q on a string", seg.String()),
					available: []string{"length"},
				}
			}
			s, _ := cur.AsString()
			cur = nodedata.Number(float64(utf8.RuneCountInString(s)))
		default:
			return nodedata.Null, &navError{
				reason:  ReasonInvalidPath,
				message: fmt.Sprintf("cannot access %q on %s", seg.String(), cur.Kind()),
			}
		}
	}
	return cur, nil
}

func arrayPaths(v nodedata.Value) []string {
	out := []string{"length"}
	if n := v.Len(); n > 0 {
		out = append(out, fmt.Sprintf("[0..%d]", n-1))
	}
	return out
}
