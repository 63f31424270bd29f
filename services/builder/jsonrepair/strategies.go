// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrepair

import "strings"

// Every transform in this file is a pure function over the candidate
// text. They all track double-quoted string state byte by byte so that
// structural characters inside string literals are never touched.

// stripComments removes // line comments and /* */ block comments
// outside string literals.
func stripComments(s string) (string, bool) {
	var b strings.Builder
	changed := false
	inStr, esc := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			changed = true
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '*' {
			changed = true
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			if i+1 < len(s) {
				i++ // land on '/', loop increment moves past
			} else {
				i = len(s) // unterminated block comment
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), changed
}

// normalizeQuotes rewrites single-quoted string literals as
// double-quoted ones, escaping embedded double quotes.
func normalizeQuotes(s string) (string, bool) {
	var b strings.Builder
	changed := false

	for i := 0; i < len(s); {
		c := s[i]

		if c == '"' {
			// Copy a double-quoted string verbatim.
			b.WriteByte(c)
			i++
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					b.WriteByte(s[i])
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				b.WriteByte(s[i])
				if s[i] == '"' {
					i++
					break
				}
				i++
			}
			continue
		}

		if c == '\'' {
			changed = true
			b.WriteByte('"')
			i++
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					if s[i+1] == '\'' {
						b.WriteByte('\'')
					} else {
						b.WriteByte('\\')
						b.WriteByte(s[i+1])
					}
					i += 2
					continue
				}
				if s[i] == '\'' {
					b.WriteByte('"')
					i++
					break
				}
				if s[i] == '"' {
					b.WriteString(`\"`)
					i++
					continue
				}
				b.WriteByte(s[i])
				i++
			}
			continue
		}

		b.WriteByte(c)
		i++
	}
	return b.String(), changed
}

// quoteBareKeys wraps unquoted object keys in double quotes. A bare key
// is an identifier that follows '{' or ',' and is followed by ':'.
func quoteBareKeys(s string) (string, bool) {
	var b strings.Builder
	changed := false
	inStr, esc := false, false
	lastSig := byte(0)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
			lastSig = c
			b.WriteByte(c)
			continue
		}

		if (lastSig == '{' || lastSig == ',') && isIdentStart(c) {
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			k := j
			for k < len(s) && isSpaceByte(s[k]) {
				k++
			}
			if k < len(s) && s[k] == ':' {
				b.WriteByte('"')
				b.WriteString(s[i:j])
				b.WriteByte('"')
				changed = true
				lastSig = '"'
				i = j - 1
				continue
			}
			// Not a key (true/false/null value, or garbage); copy as is.
			b.WriteString(s[i:j])
			lastSig = s[j-1]
			i = j - 1
			continue
		}

		b.WriteByte(c)
		if !isSpaceByte(c) {
			lastSig = c
		}
	}
	return b.String(), changed
}

// closeOpenString appends a closing double quote when the text ends
// inside a string literal. A trailing lone backslash is dropped first
// so the appended quote is not itself escaped.
func closeOpenString(s string) (string, bool) {
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
		} else if c == '"' {
			inStr = true
		}
	}
	if !inStr {
		return s, false
	}
	if esc {
		s = s[:len(s)-1]
	}
	return s + `"`, true
}

// truncateTrailingGarbage drops non-structural text after the closing
// delimiter that balances the top-level value.
func truncateTrailingGarbage(s string) (string, bool) {
	inStr, esc := false, false
	depth := 0
	end := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				end = i + 1
			}
			if depth < 0 {
				depth = 0
			}
		}
	}

	if end < 0 || end >= len(s) {
		return s, false
	}
	if strings.TrimSpace(s[end:]) == "" {
		return s, false
	}
	return s[:end], true
}

// balanceDelimiters appends the closing delimiters required to balance
// unmatched '{' and '[', innermost first. A dangling colon gets a null
// value so the enclosing object closes cleanly.
func balanceDelimiters(s string) (string, bool) {
	inStr, esc := false, false
	var stack []byte
	lastSig := byte(0)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
				lastSig = '"'
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
		if !isSpaceByte(c) {
			lastSig = c
		}
	}

	if len(stack) == 0 {
		return s, false
	}

	var b strings.Builder
	b.WriteString(s)
	if lastSig == ':' {
		b.WriteString("null")
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), true
}

// stripTrailingCommas removes commas that directly precede a closing
// delimiter.
func stripTrailingCommas(s string) (string, bool) {
	var b strings.Builder
	changed := false
	inStr, esc := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isSpaceByte(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				changed = true
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String(), changed
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
