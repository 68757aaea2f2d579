package evaluator

import (
	"encoding/json"
	"strings"

	"github.com/nidhogg/consensus/internal/consensus"
)

// stripFences drops a markdown code fence and anything before the first '{'.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		} else {
			text = strings.TrimLeft(text, "`")
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	if i := strings.IndexByte(text, '{'); i > 0 {
		text = text[i:]
	}
	return strings.TrimSpace(text)
}

// parsePartial decodes as much of an unfinished JSON object as is
// unambiguous. ok is false until at least the opening brace arrived.
func parsePartial(text string) (consensus.PartialEvaluation, bool) {
	var p consensus.PartialEvaluation
	text = stripFences(text)
	if !strings.HasPrefix(text, "{") {
		return p, false
	}

	if json.Unmarshal([]byte(closeJSON(text)), &p) == nil {
		return p, true
	}
	// Back off to the last member boundary and try again.
	cuts := memberBoundaries(text)
	for i := len(cuts) - 1; i >= 0; i-- {
		p = consensus.PartialEvaluation{}
		if json.Unmarshal([]byte(closeJSON(text[:cuts[i]])), &p) == nil {
			return p, true
		}
	}
	return consensus.PartialEvaluation{}, true
}

// closeJSON terminates an open string and closes every open array and object.
func closeJSON(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(s)
	if inString {
		if escaped {
			out := sb.String()
			sb.Reset()
			sb.WriteString(out[:len(out)-1])
		}
		sb.WriteByte('"')
	}

	out := strings.TrimRight(sb.String(), " \t\r\n")
	switch {
	case strings.HasSuffix(out, ","):
		out = out[:len(out)-1]
	case strings.HasSuffix(out, ":"):
		out += "null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out
}

// memberBoundaries lists offsets of commas outside strings and just after
// opening brackets, where a prefix ends on a complete member.
func memberBoundaries(s string) []int {
	var cuts []int
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case ',':
			cuts = append(cuts, i)
		case '{', '[':
			cuts = append(cuts, i+1)
		}
	}
	return cuts
}
