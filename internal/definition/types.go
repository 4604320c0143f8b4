package definition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/watzon/fngate/internal/typeschema"
)

var kindAliases = map[string]typeschema.Kind{
	"str":     typeschema.KindString,
	"int":     typeschema.KindInteger,
	"float":   typeschema.KindNumber,
	"bool":    typeschema.KindBoolean,
	"dict":    typeschema.KindObject,
	"list":    typeschema.KindArray,
	"bytes":   typeschema.KindBuffer,
	"binary":  typeschema.KindBuffer,
	"mixed":   typeschema.KindAny,
	"unknown": typeschema.KindAny,
}

// contextType marks the injected context slot in @param tags.
const contextType = "context"

// matchClose returns the index of the bracket closing s[open], skipping
// nested brackets and quoted strings, or -1.
func matchClose(s string, open int) int {
	depth := 0
	inString := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTop splits s on sep where it is not nested inside brackets or quotes.
func splitTop(s string, sep byte) []string {
	var parts []string
	depth := 0
	inString := false
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// parseType parses the contents of a {type} token such as "?string|boolean",
// "integer{0,100}", "string{1..16}" or `string["a","b"]`.
func parseType(token string) (*typeschema.Schema, error) {
	token = strings.TrimSpace(token)
	nullable := strings.HasPrefix(token, "?")
	token = strings.TrimSpace(strings.TrimPrefix(token, "?"))
	if token == "" {
		return nil, fmt.Errorf("empty type")
	}

	var alts []*typeschema.Schema
	for _, part := range splitTop(token, '|') {
		alt, err := parseAlternative(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		alts = append(alts, alt)
	}

	if len(alts) == 1 {
		alts[0].Nullable = alts[0].Nullable || nullable
		return alts[0], nil
	}
	return &typeschema.Schema{Kind: typeschema.KindUnion, Nullable: nullable, Alternatives: alts}, nil
}

func parseAlternative(s string) (*typeschema.Schema, error) {
	nullable := strings.HasPrefix(s, "?")
	s = strings.TrimPrefix(s, "?")

	end := 0
	for end < len(s) && (s[end] >= 'a' && s[end] <= 'z' || s[end] >= 'A' && s[end] <= 'Z') {
		end++
	}
	word := s[:end]
	kind, ok := typeschema.ParseKind(word)
	if !ok {
		if kind, ok = kindAliases[strings.ToLower(word)]; !ok {
			return nil, fmt.Errorf("unknown type %q", word)
		}
	}
	if kind == typeschema.KindUnion {
		return nil, fmt.Errorf("use a|b to declare a union")
	}
	schema := &typeschema.Schema{Kind: kind, Nullable: nullable}

	rest := strings.TrimSpace(s[end:])
	for rest != "" {
		closing := matchClose(rest, 0)
		if closing < 0 {
			return nil, fmt.Errorf("unterminated constraint in %q", s)
		}
		inner := rest[1:closing]
		switch rest[0] {
		case '{':
			r, err := parseRange(inner)
			if err != nil {
				return nil, err
			}
			if !rangeApplies(kind) {
				return nil, fmt.Errorf("type %q does not accept a range", kind)
			}
			schema.Range = r
		case '[':
			if kind != typeschema.KindString {
				return nil, fmt.Errorf("type %q does not accept a value list", kind)
			}
			var values []string
			if err := json.Unmarshal([]byte(rest[:closing+1]), &values); err != nil {
				return nil, fmt.Errorf("invalid value list %s: %w", rest[:closing+1], err)
			}
			schema.Values = values
		default:
			return nil, fmt.Errorf("unexpected %q after type %q", rest, word)
		}
		rest = strings.TrimSpace(rest[closing+1:])
	}
	return schema, nil
}

func rangeApplies(k typeschema.Kind) bool {
	switch k {
	case typeschema.KindInteger, typeschema.KindNumber, typeschema.KindString, typeschema.KindArray:
		return true
	}
	return false
}

// parseRange reads "min,max" or "min..max"; either bound may be empty.
func parseRange(s string) (*typeschema.Range, error) {
	lo, hi, ok := strings.Cut(s, "..")
	if !ok {
		lo, hi, ok = strings.Cut(s, ",")
	}
	if !ok {
		return nil, fmt.Errorf("invalid range {%s}", s)
	}
	min, err := parseBound(lo)
	if err != nil {
		return nil, err
	}
	max, err := parseBound(hi)
	if err != nil {
		return nil, err
	}
	if min != nil && max != nil && *min > *max {
		return nil, fmt.Errorf("invalid range {%s}: minimum exceeds maximum", s)
	}
	return typeschema.NewRange(min, max), nil
}

func parseBound(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range bound %q", s)
	}
	return &f, nil
}
