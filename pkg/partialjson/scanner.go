package partialjson

import (
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/instructor-ai/instructor-sub002/pkg/errors"
)

// errTruncated marks input that ended mid-value. It is internal to the
// package: truncation is reported to callers as an incomplete result, never
// as an error.
var errTruncated = stderrors.New("truncated input")

type scanner struct {
	s           string
	topElements []interface{}
}

func (sc *scanner) skipWS(i int) int {
	for i < len(sc.s) {
		switch sc.s[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

func (sc *scanner) hardError(pos int, msg string) error {
	return errors.WithFields(
		errors.New(errors.ParseFailed, msg),
		errors.Fields{"position": pos})
}

// parseValue parses one value starting at i. It returns the value, whether a
// best-effort value was materialized, the position after the value, and
// either nil, errTruncated, or a hard parse error.
func (sc *scanner) parseValue(i, depth int) (interface{}, bool, int, error) {
	i = sc.skipWS(i)
	if i >= len(sc.s) {
		return nil, false, i, errTruncated
	}

	switch c := sc.s[i]; {
	case c == '{':
		return sc.parseObject(i, depth)
	case c == '[':
		return sc.parseArray(i, depth)
	case c == '"':
		return sc.parseString(i)
	case c == 't' || c == 'f' || c == 'n':
		return sc.parseLiteral(i)
	case c == '-' || (c >= '0' && c <= '9'):
		return sc.parseNumber(i)
	default:
		return nil, false, i, sc.hardError(i, "invalid token where a value is expected")
	}
}

// parseString never fails on an unterminated literal: the content collected
// so far is returned instead.
func (sc *scanner) parseString(i int) (interface{}, bool, int, error) {
	j := i + 1
	for j < len(sc.s) {
		switch sc.s[j] {
		case '\\':
			j += 2
		case '"':
			var v string
			if err := json.Unmarshal([]byte(sc.s[i:j+1]), &v); err != nil {
				return nil, false, j + 1, sc.hardError(i, "invalid string literal")
			}
			return v, true, j + 1, nil
		default:
			j++
		}
	}
	return decodePartialString(sc.s[i+1:]), true, len(sc.s), errTruncated
}

func (sc *scanner) parseNumber(i int) (interface{}, bool, int, error) {
	j := i
	for j < len(sc.s) && strings.ContainsRune("+-0123456789.eE", rune(sc.s[j])) {
		j++
	}
	tok := sc.s[i:j]

	if j == len(sc.s) {
		if incompleteNumber(tok) {
			// Digits cut off mid-number; surface what accumulated as a
			// tentative string rather than failing.
			return tok, true, j, errTruncated
		}
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, false, j, sc.hardError(i, "invalid number literal")
		}
		return f, true, j, errTruncated
	}

	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, false, j, sc.hardError(i, "invalid number literal")
	}
	return f, true, j, nil
}

func incompleteNumber(tok string) bool {
	if tok == "" || tok == "-" {
		return true
	}
	switch tok[len(tok)-1] {
	case '-', '+', '.', 'e', 'E':
		return true
	}
	return false
}

var literals = []struct {
	text  string
	value interface{}
}{
	{"true", true},
	{"false", false},
	{"null", nil},
}

func (sc *scanner) parseLiteral(i int) (interface{}, bool, int, error) {
	rest := sc.s[i:]
	for _, lit := range literals {
		if strings.HasPrefix(rest, lit.text) {
			return lit.value, lit.value != nil || lit.text == "null", i + len(lit.text), nil
		}
		if strings.HasPrefix(lit.text, rest) {
			// A proper prefix of a literal can only be truncation.
			return nil, false, len(sc.s), errTruncated
		}
	}
	return nil, false, i, sc.hardError(i, "invalid token where a value is expected")
}

func (sc *scanner) parseObject(i, depth int) (interface{}, bool, int, error) {
	m := make(map[string]interface{})
	i++

	for {
		i = sc.skipWS(i)
		if i >= len(sc.s) {
			return m, true, i, errTruncated
		}
		if sc.s[i] == '}' {
			return m, true, i + 1, nil
		}
		if sc.s[i] != '"' {
			return nil, false, i, sc.hardError(i, "invalid object key")
		}

		keyVal, _, next, err := sc.parseString(i)
		if err == errTruncated {
			// Key still streaming in; omit it entirely.
			return m, true, len(sc.s), errTruncated
		}
		if err != nil {
			return nil, false, next, err
		}
		key := keyVal.(string)

		i = sc.skipWS(next)
		if i >= len(sc.s) {
			return m, true, i, errTruncated
		}
		if sc.s[i] != ':' {
			return nil, false, i, sc.hardError(i, "expected ':' after object key")
		}
		i = sc.skipWS(i + 1)
		if i >= len(sc.s) {
			// Colon with nothing after it: the key maps to none.
			m[key] = nil
			return m, true, i, errTruncated
		}

		val, has, next, err := sc.parseValue(i, depth+1)
		if err == errTruncated {
			if has {
				m[key] = val
			}
			return m, true, len(sc.s), errTruncated
		}
		if err != nil {
			return nil, false, next, err
		}
		m[key] = val

		i = sc.skipWS(next)
		if i >= len(sc.s) {
			return m, true, i, errTruncated
		}
		switch sc.s[i] {
		case ',':
			i++
		case '}':
			return m, true, i + 1, nil
		default:
			return nil, false, i, sc.hardError(i, "expected ',' or '}' in object")
		}
	}
}

func (sc *scanner) parseArray(i, depth int) (interface{}, bool, int, error) {
	arr := make([]interface{}, 0)
	var closed []interface{}
	i++

	finish := func(truncated bool, next int) (interface{}, bool, int, error) {
		if depth == 0 {
			sc.topElements = closed
		}
		if truncated {
			return arr, true, next, errTruncated
		}
		return arr, true, next, nil
	}

	for {
		i = sc.skipWS(i)
		if i >= len(sc.s) {
			return finish(true, i)
		}
		if sc.s[i] == ']' {
			return finish(false, i+1)
		}

		val, has, next, err := sc.parseValue(i, depth+1)
		if err == errTruncated {
			if has {
				arr = append(arr, val)
			}
			return finish(true, len(sc.s))
		}
		if err != nil {
			return nil, false, next, err
		}
		arr = append(arr, val)
		if depth == 0 {
			closed = append(closed, val)
		}

		i = sc.skipWS(next)
		if i >= len(sc.s) {
			return finish(true, i)
		}
		switch sc.s[i] {
		case ',':
			i++
		case ']':
			return finish(false, i+1)
		default:
			return nil, false, i, sc.hardError(i, "expected ',' or ']' in array")
		}
	}
}

// decodePartialString unescapes the collected content of a string literal
// whose closing quote has not arrived, dropping any escape sequence cut off
// at the tail.
func decodePartialString(raw string) string {
	// Drop a dangling backslash.
	n := 0
	for k := len(raw) - 1; k >= 0 && raw[k] == '\\'; k-- {
		n++
	}
	if n%2 == 1 {
		raw = raw[:len(raw)-1]
	}

	// Drop an incomplete \uXXXX escape at the tail.
	if idx := strings.LastIndex(raw, `\u`); idx >= 0 && len(raw)-idx < 6 && escapeStartsAt(raw, idx) {
		raw = raw[:idx]
	}

	var s string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &s); err == nil {
		return s
	}
	return raw
}

// escapeStartsAt reports whether the backslash at idx begins an escape
// sequence, i.e. is not itself escaped.
func escapeStartsAt(raw string, idx int) bool {
	n := 0
	for k := idx - 1; k >= 0 && raw[k] == '\\'; k-- {
		n++
	}
	return n%2 == 0
}
