// Package secret provides a set of secret strings that must never appear in
// log or console output and the redaction of text against it.
package secret

import (
	"sort"
	"strings"
	"sync"
)

// Mask replaces secrets in redacted text.
const Mask = "**hidden**"

// Set is an append-only collection of secrets.
// A Set is scoped to a single publish run, it is safe for concurrent use.
// The zero value is an empty Set ready to use.
type Set struct {
	lock    sync.RWMutex
	secrets map[string]struct{}
}

// NewSet returns a Set containing secrets.
// Empty strings are ignored.
func NewSet(secrets ...string) *Set {
	var s Set
	s.Add(secrets...)
	return &s
}

// Add registers secrets. Empty strings are ignored, they would match
// everywhere.
func (s *Set) Add(secrets ...string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.secrets == nil {
		s.secrets = make(map[string]struct{}, len(secrets))
	}

	for _, sec := range secrets {
		if sec == "" {
			continue
		}

		s.secrets[sec] = struct{}{}
	}
}

// Len returns the number of registered secrets.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.secrets)
}

func (s *Set) list() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	result := make([]string, 0, len(s.secrets))
	for sec := range s.secrets {
		result = append(result, sec)
	}

	return result
}

type span struct {
	start int
	end   int
}

// Redact returns text with every occurrence of a registered secret replaced
// by Mask.
// Occurrences of different secrets that overlap are masked as one region,
// no fragment of any secret remains visible.
// It can be called on a nil Set, text is then returned unchanged.
func (s *Set) Redact(text string) string {
	if s == nil || text == "" {
		return text
	}

	var spans []span
	for _, sec := range s.list() {
		for off := 0; off < len(text); {
			i := strings.Index(text[off:], sec)
			if i < 0 {
				break
			}

			spans = append(spans, span{start: off + i, end: off + i + len(sec)})
			off += i + 1
		}
	}

	if len(spans) == 0 {
		return text
	}

	sort.Slice(spans, func(i, j int) bool {
		return spans[i].start < spans[j].start
	})

	var sb strings.Builder
	pos := 0
	cur := spans[0]

	flush := func() {
		sb.WriteString(text[pos:cur.start])
		sb.WriteString(Mask)
		pos = cur.end
	}

	for _, sp := range spans[1:] {
		if sp.start < cur.end {
			if sp.end > cur.end {
				cur.end = sp.end
			}
			continue
		}

		flush()
		cur = sp
	}
	flush()

	sb.WriteString(text[pos:])

	return sb.String()
}

// RedactAll returns a copy of strs with Redact applied to every element.
func (s *Set) RedactAll(strs []string) []string {
	result := make([]string, len(strs))
	for i, str := range strs {
		result[i] = s.Redact(str)
	}

	return result
}

// Redact replaces every occurrence of secrets in text with Mask.
func Redact(text string, secrets ...string) string {
	return NewSet(secrets...).Redact(text)
}
