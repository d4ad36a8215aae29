package directorytest

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// filter is a parsed search filter supporting and, or, not, equality and presence
type filter interface {
	match(e *entry) bool
}

type andFilter []filter
type orFilter []filter
type notFilter struct{ f filter }
type eqFilter struct{ attr, value string }
type presentFilter struct{ attr string }

func (f andFilter) match(e *entry) bool {
	for _, sub := range f {
		if !sub.match(e) {
			return false
		}
	}
	return true
}

func (f orFilter) match(e *entry) bool {
	for _, sub := range f {
		if sub.match(e) {
			return true
		}
	}
	return false
}

func (f notFilter) match(e *entry) bool { return !f.f.match(e) }

func (f eqFilter) match(e *entry) bool {
	for _, v := range e.values(f.attr) {
		if strings.EqualFold(v, f.value) {
			return true
		}
	}
	return false
}

func (f presentFilter) match(e *entry) bool { return len(e.values(f.attr)) > 0 }

func parseFilter(s string) (filter, error) {
	f, rest, err := parseItem(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("trailing data in filter: %q", rest)
	}
	return f, nil
}

func parseItem(s string) (filter, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, "", fmt.Errorf("filter must start with '(': %q", s)
	}
	s = s[1:]
	if s == "" {
		return nil, "", fmt.Errorf("unterminated filter")
	}

	switch s[0] {
	case '&', '|':
		op := s[0]
		s = s[1:]
		var subs []filter
		for strings.HasPrefix(s, "(") {
			sub, rest, err := parseItem(s)
			if err != nil {
				return nil, "", err
			}
			subs = append(subs, sub)
			s = rest
		}
		if !strings.HasPrefix(s, ")") {
			return nil, "", fmt.Errorf("unterminated filter set")
		}
		if op == '&' {
			return andFilter(subs), s[1:], nil
		}
		return orFilter(subs), s[1:], nil
	case '!':
		sub, rest, err := parseItem(s[1:])
		if err != nil {
			return nil, "", err
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", fmt.Errorf("unterminated not filter")
		}
		return notFilter{sub}, rest[1:], nil
	}

	end := strings.IndexByte(s, ')')
	if end < 0 {
		return nil, "", fmt.Errorf("unterminated filter")
	}
	item := s[:end]
	eq := strings.IndexByte(item, '=')
	if eq <= 0 {
		return nil, "", fmt.Errorf("unsupported filter item: %q", item)
	}
	attr, raw := item[:eq], item[eq+1:]
	if raw == "*" {
		return presentFilter{attr: attr}, s[end+1:], nil
	}
	value, err := unescape(raw)
	if err != nil {
		return nil, "", err
	}
	return eqFilter{attr: attr, value: value}, s[end+1:], nil
}

// unescape decodes the \xx escapes produced by ldap.EscapeFilter
func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		decoded, err := hex.DecodeString(s[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", s, err)
		}
		b.Write(decoded)
		i += 2
	}
	return b.String(), nil
}
