package extract

import (
	"fmt"
	"regexp"
	"strings"
)

var newIdeasRe = regexp.MustCompile(`(?i)New Ideas:\s*(.*)`)

// ParseResponse reads a "New Ideas: a, b, c" reply. The marker is matched
// case-insensitively anywhere in the reply and only the rest of its line is
// read. "none" yields a Result with None set. Candidates are trimmed, a
// trailing period is dropped and empty entries are skipped. A reply without
// the marker returns [ErrMalformedResponse].
func ParseResponse(reply string) (Result, error) {
	m := newIdeasRe.FindStringSubmatch(reply)
	if m == nil {
		return Result{}, fmt.Errorf("%w: no %q marker in %q", ErrMalformedResponse, "New Ideas:", truncate(reply, 80))
	}

	list := strings.TrimSpace(m[1])
	list = strings.TrimSpace(strings.TrimSuffix(list, "."))
	if strings.EqualFold(list, "none") {
		return Result{None: true}, nil
	}

	var res Result
	for _, part := range strings.Split(list, ",") {
		idea := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(part), "."))
		if idea == "" {
			continue
		}
		res.Ideas = append(res.Ideas, idea)
	}
	if len(res.Ideas) == 0 {
		res.None = true
	}
	return res, nil
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
