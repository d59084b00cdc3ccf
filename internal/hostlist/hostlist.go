// Package hostlist expands and compresses SLURM-style bracketed hostlists
// (e.g. "node[1-3,7]" -> []string{"node1","node2","node3","node7"}), used by
// the bootstrap config layer to describe a broker's peers without spelling
// out every hostname.
package hostlist

import (
	"fmt"
	"strconv"
	"strings"
)

// Expand parses a single hostlist expression into individual hostnames.
// Supports one bracketed range group per entry and comma-separated entries.
func Expand(expr string) ([]string, error) {
	var out []string
	for _, entry := range splitTopLevel(expr) {
		names, err := expandEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, names...)
	}
	return out, nil
}

// splitTopLevel splits on commas that are not inside brackets.
func splitTopLevel(expr string) []string {
	var out []string
	depth := 0
	start := 0
	for i, c := range expr {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, expr[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, expr[start:])
	return out
}

func expandEntry(entry string) ([]string, error) {
	lb := strings.IndexByte(entry, '[')
	if lb < 0 {
		if entry == "" {
			return nil, nil
		}
		return []string{entry}, nil
	}
	rb := strings.IndexByte(entry, ']')
	if rb < 0 || rb < lb {
		return nil, fmt.Errorf("hostlist: unbalanced brackets in %q", entry)
	}
	prefix, suffix := entry[:lb], entry[rb+1:]
	body := entry[lb+1 : rb]

	var out []string
	for _, piece := range strings.Split(body, ",") {
		if dash := strings.IndexByte(piece, '-'); dash >= 0 {
			lo, hi, width, err := parseRange(piece, dash)
			if err != nil {
				return nil, err
			}
			for n := lo; n <= hi; n++ {
				out = append(out, fmt.Sprintf("%s%0*d%s", prefix, width, n, suffix))
			}
		} else {
			out = append(out, prefix+piece+suffix)
		}
	}
	return out, nil
}

func parseRange(piece string, dash int) (lo, hi, width int, err error) {
	loStr, hiStr := piece[:dash], piece[dash+1:]
	lo, err = strconv.Atoi(loStr)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("hostlist: bad range start %q", loStr)
	}
	hi, err = strconv.Atoi(hiStr)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("hostlist: bad range end %q", hiStr)
	}
	if hi < lo {
		return 0, 0, 0, fmt.Errorf("hostlist: range %q descends", piece)
	}
	width = 0
	if len(loStr) > 1 && loStr[0] == '0' {
		width = len(loStr)
	}
	return lo, hi, width, nil
}

// Compress is the inverse of Expand for numeric-suffixed hostnames: given a
// list of hostnames sharing one non-numeric prefix, produce the bracketed
// form listing every suffix in input order ("node[1,2,3]"); runs are not
// collapsed into ranges and leading zeros are not kept. Mixed-prefix input,
// or a name with no numeric suffix, is returned comma-joined without
// bracket compression.
func Compress(hosts []string) string {
	if len(hosts) == 0 {
		return ""
	}
	if len(hosts) == 1 {
		return hosts[0]
	}
	prefix, nums, ok := commonNumericSuffix(hosts)
	if !ok {
		return strings.Join(hosts, ",")
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte('[')
	for i, n := range nums {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(n))
	}
	sb.WriteByte(']')
	return sb.String()
}

func commonNumericSuffix(hosts []string) (prefix string, nums []int, ok bool) {
	for i, h := range hosts {
		j := len(h)
		for j > 0 && h[j-1] >= '0' && h[j-1] <= '9' {
			j--
		}
		if j == len(h) {
			return "", nil, false
		}
		p := h[:j]
		n, err := strconv.Atoi(h[j:])
		if err != nil {
			return "", nil, false
		}
		if i == 0 {
			prefix = p
		} else if p != prefix {
			return "", nil, false
		}
		nums = append(nums, n)
	}
	return prefix, nums, true
}
