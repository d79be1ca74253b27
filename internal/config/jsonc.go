package config

import (
	"strings"
)

// StripJSONComments removes // and /* */ comments from JSONC content.
// Comment markers inside string literals are kept; an unterminated block
// comment runs to the end of the input.
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

		if c == '"' {
			inString = true
			result.WriteByte(c)
			i++
			continue
		}

		// Line comment
		if c == '/' && i+1 < len(input) && input[i+1] == '/' {
			for i < len(input) && input[i] != '\n' {
				i++
			}
			continue
		}

		// Block comment
		if c == '/' && i+1 < len(input) && input[i+1] == '*' {
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				break
			}
			i += 2 + end + 2
			continue
		}

		result.WriteByte(c)
		i++
	}

	return []byte(result.String())
}
