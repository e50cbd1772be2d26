package mail

import (
	"slices"
	"strings"
)

// Labels is a set of upper-case label tags. The zero value is empty.
// Methods never modify the receiver's backing array.
type Labels []string

// NewLabels normalizes tags into a sorted, de-duplicated set.
func NewLabels(tags ...string) Labels {
	if len(tags) == 0 {
		return nil
	}
	out := make(Labels, 0, len(tags))
	for _, tag := range tags {
		tag = normalizeLabel(tag)
		if tag == "" {
			continue
		}
		out = append(out, tag)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizeLabel(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

// Has reports whether tag is in the set.
func (l Labels) Has(tag string) bool {
	return slices.Contains(l, normalizeLabel(tag))
}

// With returns a set that also contains tag.
func (l Labels) With(tag string) Labels {
	if l.Has(tag) || normalizeLabel(tag) == "" {
		return l
	}
	out := make([]string, 0, len(l)+1)
	out = append(out, l...)
	return NewLabels(append(out, tag)...)
}

// Without returns a set that does not contain tag.
func (l Labels) Without(tag string) Labels {
	if !l.Has(tag) {
		return l
	}
	tag = normalizeLabel(tag)
	out := make(Labels, 0, len(l)-1)
	for _, t := range l {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}

// Equal reports whether both sets hold the same tags.
func (l Labels) Equal(o Labels) bool {
	return slices.Equal(NewLabels(l...), NewLabels(o...))
}

func (l Labels) String() string {
	return strings.Join(l, ",")
}
