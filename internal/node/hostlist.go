package node

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ExpandHostlist expands a host expression such as "n[1-3,7],login" into
// individual names. Zero padding inside a range is preserved ("n[01-03]").
func ExpandHostlist(expr string) ([]string, error) {
	var out []string
	for _, tok := range splitTopLevel(expr) {
		if tok == "" {
			continue
		}
		open := strings.IndexByte(tok, '[')
		if open < 0 {
			out = append(out, tok)
			continue
		}
		end := strings.IndexByte(tok, ']')
		if end < open {
			return nil, errors.Errorf("hostlist: unbalanced brackets in %q", tok)
		}
		prefix, suffix := tok[:open], tok[end+1:]
		for _, rng := range strings.Split(tok[open+1:end], ",") {
			lo, hi := rng, rng
			if k := strings.IndexByte(rng, '-'); k >= 0 {
				lo, hi = rng[:k], rng[k+1:]
			}
			a, err := strconv.Atoi(lo)
			if err != nil {
				return nil, errors.Wrapf(err, "hostlist: bad range %q", rng)
			}
			b, err := strconv.Atoi(hi)
			if err != nil || b < a {
				return nil, errors.Errorf("hostlist: bad range %q", rng)
			}
			width := len(lo)
			for i := a; i <= b; i++ {
				num := strconv.Itoa(i)
				for len(num) < width {
					num = "0" + num
				}
				out = append(out, prefix+num+suffix)
			}
		}
	}
	return out, nil
}

// splitTopLevel splits on commas that are not inside brackets.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

// CompressHostlist folds names sharing a prefix and numeric suffix into
// ranges, keeping the input order of first appearance: "n1,n2,n3,m" -> "n[1-3],m".
func CompressHostlist(names []string) string {
	type group struct {
		prefix string
		width  int
		nums   []int
	}
	var out []string
	index := make(map[string]*group)
	order := make([]interface{}, 0, len(names))

	for _, name := range names {
		k := len(name)
		for k > 0 && name[k-1] >= '0' && name[k-1] <= '9' {
			k--
		}
		if k == len(name) {
			order = append(order, name)
			continue
		}
		prefix, digits := name[:k], name[k:]
		n, _ := strconv.Atoi(digits)
		key := prefix + "/" + strconv.Itoa(len(digits))
		g, ok := index[key]
		if !ok {
			g = &group{prefix: prefix, width: len(digits)}
			index[key] = g
			order = append(order, g)
		}
		g.nums = append(g.nums, n)
	}

	pad := func(n, width int) string {
		s := strconv.Itoa(n)
		for len(s) < width {
			s = "0" + s
		}
		return s
	}
	for _, item := range order {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case *group:
			if len(v.nums) == 1 {
				out = append(out, v.prefix+pad(v.nums[0], v.width))
				continue
			}
			var ranges []string
			for i := 0; i < len(v.nums); {
				j := i
				for j+1 < len(v.nums) && v.nums[j+1] == v.nums[j]+1 {
					j++
				}
				if j > i {
					ranges = append(ranges, pad(v.nums[i], v.width)+"-"+pad(v.nums[j], v.width))
				} else {
					ranges = append(ranges, pad(v.nums[i], v.width))
				}
				i = j + 1
			}
			out = append(out, v.prefix+"["+strings.Join(ranges, ",")+"]")
		}
	}
	return strings.Join(out, ",")
}
