package nodedata

const (
	maxSampleKeys  = 5
	maxSampleItems = 3
	maxInferDepth  = 6
)

// Shape is a lightweight structural description of a runtime value, kept on
// trace entries for debugging UIs. It is never used for validation.
type Shape struct {
	Type       string            `json:"type"`
	Keys       []string          `json:"keys,omitempty"`
	Properties map[string]*Shape `json:"properties,omitempty"`
	Length     *int              `json:"length,omitempty"`
	Items      []*Shape          `json:"items,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// Infer describes v. Object shapes list every key but describe at most a
// handful of children; array shapes carry the length and the first few
// element shapes.
func Infer(v Value) *Shape {
	return infer(v, 0)
}

func infer(v Value, depth int) *Shape {
	s := &Shape{Type: v.Kind().String()}
	if depth >= maxInferDepth && !v.IsScalar() {
		s.Truncated = true
		return s
	}

	switch v.Kind() {
	case KindObject:
		s.Keys = v.Keys()
		s.Properties = make(map[string]*Shape)
		for i, k := range s.Keys {
			if i >= maxSampleKeys {
				s.Truncated = true
				break
			}
			child, _ := v.Get(k)
			s.Properties[k] = infer(child, depth+1)
		}
	case KindArray:
		n := v.Len()
		s.Length = &n
		for i := 0; i < n && i < maxSampleItems; i++ {
			item, _ := v.Index(i)
			s.Items = append(s.Items, infer(item, depth+1))
		}
		if n > maxSampleItems {
			s.Truncated = true
		}
	}
	return s
}
