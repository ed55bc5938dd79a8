package resv

import (
	"strconv"
	"strings"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
)

// NameSet is an insertion-ordered, de-duplicated set of keys, each carrying
// the display name it was given as.
type NameSet[K comparable] struct {
	m *orderedmap.OrderedMap[K, string]
}

// NewNameSet returns an empty set.
func NewNameSet[K comparable]() *NameSet[K] {
	return &NameSet[K]{m: orderedmap.NewOrderedMap[K, string]()}
}

// Add inserts k, reporting false if it was already present.
func (s *NameSet[K]) Add(k K, display string) bool {
	if _, ok := s.m.Get(k); ok {
		return false
	}
	s.m.Set(k, display)
	return true
}

// Remove deletes k, reporting false if it was absent.
func (s *NameSet[K]) Remove(k K) bool {
	return s.m.Delete(k)
}

// Has reports membership.
func (s *NameSet[K]) Has(k K) bool {
	if s == nil {
		return false
	}
	_, ok := s.m.Get(k)
	return ok
}

// Len returns the number of members; nil sets are empty.
func (s *NameSet[K]) Len() int {
	if s == nil {
		return 0
	}
	return s.m.Len()
}

// Keys returns members in insertion order.
func (s *NameSet[K]) Keys() []K {
	if s == nil {
		return nil
	}
	return s.m.Keys()
}

// First returns the display name of the first member, or "".
func (s *NameSet[K]) First() string {
	if s == nil {
		return ""
	}
	if el := s.m.Front(); el != nil {
		return el.Value
	}
	return ""
}

// String joins display names with commas.
func (s *NameSet[K]) String() string {
	if s == nil {
		return ""
	}
	parts := make([]string, 0, s.m.Len())
	for el := s.m.Front(); el != nil; el = el.Next() {
		parts = append(parts, el.Value)
	}
	return strings.Join(parts, ",")
}

// Clone returns an independent copy.
func (s *NameSet[K]) Clone() *NameSet[K] {
	out := NewNameSet[K]()
	if s == nil {
		return out
	}
	for el := s.m.Front(); el != nil; el = el.Next() {
		out.m.Set(el.Key, el.Value)
	}
	return out
}

// assocString renders an association set as ",id,id," for persistence and
// accounting, or "" when empty.
func assocString(s *NameSet[uint32]) string {
	if s.Len() == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte(',')
	for _, id := range s.Keys() {
		b.WriteString(strconv.FormatUint(uint64(id), 10))
		b.WriteByte(',')
	}
	return b.String()
}

// parseAssocString is the inverse of assocString. Malformed ids are skipped.
func parseAssocString(str string) *NameSet[uint32] {
	out := NewNameSet[uint32]()
	for _, tok := range strings.Split(str, ",") {
		if tok == "" {
			continue
		}
		id, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			continue
		}
		out.Add(uint32(id), tok)
	}
	return out
}

type deltaOp int

const (
	opSet deltaOp = iota
	opMinus
	opPlus
)

type deltaToken[K comparable] struct {
	op      deltaOp
	key     K
	display string
}

// parseList resolves a plain comma list. Empty tokens are skipped.
func parseList[K comparable](spec string, resolve func(string) (K, error)) (*NameSet[K], error) {
	out := NewNameSet[K]()
	for _, tok := range strings.Split(spec, ",") {
		if tok == "" {
			continue
		}
		k, err := resolve(tok)
		if err != nil {
			return nil, err
		}
		out.Add(k, tok)
	}
	return out, nil
}

// applyDelta updates set in place from an update expression. A bare list
// replaces the set; "+name" and "-name" tokens add and remove. Bare and
// prefixed tokens may not be mixed, removing an absent member is an error,
// and additions skip members already present. On error set is left
// partially modified, so callers apply it to a copy. invalid is the
// sentinel wrapped into grammar errors.
func applyDelta[K comparable](set *NameSet[K], spec string, resolve func(string) (K, error), invalid error) error {
	var toks []deltaToken[K]
	var prefixed, bare bool
	for _, raw := range strings.Split(spec, ",") {
		if raw == "" {
			continue
		}
		t := deltaToken[K]{op: opSet, display: raw}
		switch raw[0] {
		case '-':
			t.op, t.display = opMinus, raw[1:]
			prefixed = true
		case '+':
			t.op, t.display = opPlus, raw[1:]
			prefixed = true
		default:
			bare = true
		}
		if prefixed && bare {
			return errors.Wrapf(invalid, "expression %q mixes set and add/remove", spec)
		}
		k, err := resolve(t.display)
		if err != nil {
			return err
		}
		t.key = k
		toks = append(toks, t)
	}

	if !prefixed {
		for _, k := range set.Keys() {
			set.Remove(k)
		}
		for _, t := range toks {
			set.Add(t.key, t.display)
		}
		return nil
	}

	for _, t := range toks {
		if t.op != opMinus {
			continue
		}
		if !set.Remove(t.key) {
			return errors.Wrapf(invalid, "%s is not in the reservation", t.display)
		}
	}
	for _, t := range toks {
		if t.op == opPlus {
			set.Add(t.key, t.display)
		}
	}
	return nil
}
