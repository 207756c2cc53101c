package subagent

import (
	"encoding/json"
	"strings"
)

const labelLimit = 80

// labelKeys in priority order; the first key with a value wins.
var labelKeys = []string{"name", "description", "subagent_type", "team_name"}

// extractLabel derives a display label from an accumulated, possibly
// incomplete tool-input JSON fragment.
func extractLabel(partial string) string {
	for _, key := range labelKeys {
		if v := extractField(partial, key); v != "" {
			return trimLabel(v)
		}
	}
	if prompt := extractField(partial, "prompt"); prompt != "" {
		return trimLabel(prompt)
	}
	return ""
}

// trimLabel reduces a field value to a one-line label of bounded length.
func trimLabel(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > labelLimit {
		return string(runes[:labelLimit])
	}
	return s
}

// extractField pulls the first complete string value for key. A fragment
// that parses as JSON is read structurally; otherwise a tolerant scan walks
// the partial text, honoring escape sequences, and returns the value only
// when its closing quote has already streamed in.
func extractField(partial, key string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(partial), &m); err == nil {
		if s, ok := m[key].(string); ok {
			return s
		}
		return ""
	}

	needle := `"` + key + `"`
	idx := strings.Index(partial, needle)
	if idx < 0 {
		return ""
	}
	rest := partial[idx+len(needle):]

	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t' || rest[i] == '\n') {
		i++
	}
	if i >= len(rest) || rest[i] != ':' {
		return ""
	}
	i++
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t' || rest[i] == '\n') {
		i++
	}
	if i >= len(rest) || rest[i] != '"' {
		return ""
	}
	i++

	var sb strings.Builder
	for i < len(rest) {
		c := rest[i]
		switch c {
		case '\\':
			if i+1 >= len(rest) {
				return "" // escape cut off mid-stream
			}
			next := rest[i+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'u':
				if i+6 > len(rest) {
					return ""
				}
				var r rune
				for _, h := range rest[i+2 : i+6] {
					d := hexVal(byte(h))
					if d < 0 {
						return ""
					}
					r = r*16 + rune(d)
				}
				sb.WriteRune(r)
				i += 6
				continue
			default:
				sb.WriteByte(next)
			}
			i += 2
		case '"':
			return sb.String()
		default:
			sb.WriteByte(c)
			i++
		}
	}
	// Closing quote not seen yet.
	return ""
}

func hexVal(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	}
	return -1
}
