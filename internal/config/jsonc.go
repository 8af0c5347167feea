package config

import (
	"strings"
)

// StripJSONComments removes // and /* */ comments and trailing commas
// before a closing } or ] from JSONC content
func StripJSONComments(data []byte) []byte {
	input := string(data)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	inString := false
	escaped := false
	for i < len(input) {
		c := input[i]

		if inString {
			result.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			i++
			continue
		}

		switch {
		case c == '"':
			inString = true
		case strings.HasPrefix(input[i:], "//"):
			for i < len(input) && input[i] != '\n' {
				i++
			}
			continue
		case strings.HasPrefix(input[i:], "/*"):
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				i = len(input)
			} else {
				i += end + 4
			}
			continue
		case c == ',' && closesNext(input, i+1):
			i++
			continue
		}

		result.WriteByte(c)
		i++
	}

	return []byte(result.String())
}

// closesNext reports whether the next significant character after pos is
// a closing bracket, skipping whitespace and comments
func closesNext(input string, pos int) bool {
	for pos < len(input) {
		switch {
		case input[pos] == ' ' || input[pos] == '\t' || input[pos] == '\n' || input[pos] == '\r':
			pos++
		case strings.HasPrefix(input[pos:], "//"):
			for pos < len(input) && input[pos] != '\n' {
				pos++
			}
		case strings.HasPrefix(input[pos:], "/*"):
			end := strings.Index(input[pos+2:], "*/")
			if end < 0 {
				return false
			}
			pos += end + 4
		default:
			return input[pos] == '}' || input[pos] == ']'
		}
	}
	return false
}
