package tmpl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "02-Jan-2006"

// Format fills %s and %d verbs (and positional %1$s forms) in order with
// args. Unknown % sequences are kept verbatim, so link templates holding
// JSON filters survive untouched.
func Format(template string, args ...any) string {
	var b strings.Builder
	next := 0
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' || i+1 >= len(template) {
			b.WriteByte(c)
			continue
		}
		rest := template[i+1:]
		switch {
		case rest[0] == '%':
			b.WriteByte('%')
			i++
		case rest[0] == 's' || rest[0] == 'd':
			if next < len(args) {
				b.WriteString(fmt.Sprint(args[next]))
			}
			next++
			i++
		default:
			pos, width, ok := positional(rest)
			if !ok {
				b.WriteByte(c)
				continue
			}
			if pos-1 < len(args) {
				b.WriteString(fmt.Sprint(args[pos-1]))
			}
			i += width
		}
	}
	return b.String()
}

// positional parses "N$s" or "N$d" at the start of s.
func positional(s string) (int, int, bool) {
	end := strings.IndexByte(s, '$')
	if end <= 0 || end+1 >= len(s) || (s[end+1] != 's' && s[end+1] != 'd') {
		return 0, 0, false
	}
	pos, err := strconv.Atoi(s[:end])
	if err != nil || pos < 1 {
		return 0, 0, false
	}
	return pos, end + 2, true
}

// EncodeJSONQueryParams re-encodes every query parameter whose value is valid
// JSON as a URI component of its compact form, then serializes the query with
// form encoding in the original parameter order. Values that are not JSON are
// only re-serialized. An unparsable URL is returned unchanged.
func EncodeJSONQueryParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return rawURL
	}

	var pairs []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = formDecode(key)
		value = formDecode(value)
		if json.Valid([]byte(value)) {
			var compact bytes.Buffer
			if err := json.Compact(&compact, []byte(value)); err == nil {
				value = encodeURIComponent(compact.String())
			}
		}
		pairs = append(pairs, formEncode(key)+"="+formEncode(value))
	}
	u.RawQuery = strings.Join(pairs, "&")
	return u.String()
}

// DealLink builds a CRM deep link from a printf-style template.
func DealLink(template string, args ...any) string {
	return EncodeJSONQueryParams(Format(template, args...))
}

// FormatDate renders t as DD-Mon-YYYY.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// IdleCutoffMillis is the unix millisecond timestamp idleDays before now.
func IdleCutoffMillis(now time.Time, idleDays int) int64 {
	return now.Add(-time.Duration(idleDays) * 24 * time.Hour).UnixMilli()
}

func formDecode(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return strings.ReplaceAll(s, "+", " ")
	}
	return decoded
}

const upperhex = "0123456789ABCDEF"

func formEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			b.WriteByte('+')
		case isAlnum(c) || c == '*' || c == '-' || c == '.' || c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
		}
	}
	return b.String()
}

func encodeURIComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) || strings.IndexByte("-_.!~*'()", c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
