package upstream

import "strings"

const (
	markerOpen  = "[[REF:"
	markerClose = "]]"
	// A marker longer than this is treated as literal text. Keeps a missing
	// close delimiter from buffering the rest of the stream.
	maxMarkerLen = 256
)

// MarkerScanner splits raw model output into plain text and catalog reference
// groups. The generation model terminates each stage with a [[REF:id,id]] run;
// the scanner holds back only as much text as could still be an open marker,
// so token latency stays at one chunk.
type MarkerScanner struct {
	pending string
}

// Scan consumes one chunk and returns the text that is definitely not part of
// a marker plus any completed reference groups, in order of appearance.
func (s *MarkerScanner) Scan(chunk string) (string, [][]string) {
	s.pending += chunk
	var out strings.Builder
	var groups [][]string

	for {
		idx := strings.Index(s.pending, markerOpen)
		if idx < 0 {
			keep := openMarkerPrefixLen(s.pending)
			out.WriteString(s.pending[:len(s.pending)-keep])
			s.pending = s.pending[len(s.pending)-keep:]
			break
		}
		out.WriteString(s.pending[:idx])
		s.pending = s.pending[idx:]

		end := strings.Index(s.pending, markerClose)
		if end < 0 {
			if len(s.pending) > maxMarkerLen {
				// Unterminated marker, flush as literal text.
				out.WriteString(s.pending)
				s.pending = ""
			}
			break
		}
		inner := s.pending[len(markerOpen):end]
		s.pending = s.pending[end+len(markerClose):]
		if ids := splitReferenceIDs(inner); len(ids) > 0 {
			groups = append(groups, ids)
		}
	}
	return out.String(), groups
}

// Flush returns any held-back text once the stream is over. An open marker at
// end of stream is literal text.
func (s *MarkerScanner) Flush() string {
	rest := s.pending
	s.pending = ""
	return rest
}

// openMarkerPrefixLen reports how many trailing bytes of text form a proper
// prefix of the marker open delimiter.
func openMarkerPrefixLen(text string) int {
	max := len(markerOpen) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, markerOpen[:n]) {
			return n
		}
	}
	return 0
}

func splitReferenceIDs(inner string) []string {
	parts := strings.Split(inner, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if id := strings.TrimSpace(p); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
