// Package redact scrubs secret-bearing keys and values from call parameters
// before they reach policy evaluation, approval display, or the ledger.
package redact

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel replaces every redacted value.
const Sentinel = "[REDACTED]"

// ErrFloatValue is returned when a parameter carries a binary float. Callers
// must use integers or decimal strings so that hashes are deterministic.
var ErrFloatValue = errors.New("redact: floats are rejected, use a decimal representation")

var sensitiveKeyTerms = []string{
	"password",
	"passwd",
	"secret",
	"api_key",
	"apikey",
	"token",
	"authorization",
	"auth",
	"access_key",
	"private_key",
	"session",
	"cookie",
	"bearer",
	"credential",
	"jwt",
}

var sensitiveValuePrefixes = []string{
	"sk-",
	"pk-",
	"rk-",
	"xoxb-",
	"xoxa-",
	"xoxp-",
	"xoxr-",
	"xoxs-",
	"ghp_",
	"github_pat_",
}

var jwtShape = regexp.MustCompile(`^[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]*$`)

// SensitiveKey reports whether a mapping key names a secret. Matching is
// case-insensitive and by substring.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// SensitiveValue reports whether a string looks like a credential regardless
// of the key it is stored under.
func SensitiveValue(value string) bool {
	s := strings.TrimSpace(value)
	if len(s) >= 24 && jwtShape.MatchString(s) {
		return true
	}
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		return true
	}
	if len(s) >= 20 {
		for _, prefix := range sensitiveValuePrefixes {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
	}
	if strings.Contains(s, "-----BEGIN") {
		return true
	}
	return highEntropyToken(s)
}

// highEntropyToken flags strings that look like random API credentials:
// at least 32 token-charset characters mixing cases and digits, with a
// Shannon entropy near the random-base64 range. Lowercase hex digests and
// ordinary identifiers stay below the bar.
func highEntropyToken(s string) bool {
	if len(s) < 32 {
		return false
	}
	var hasUpper, hasLower, hasDigit bool
	freq := map[rune]int{}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		case strings.ContainsRune("+/=_-", r):
		default:
			return false
		}
		freq[r]++
	}
	if !hasUpper || !hasLower || !hasDigit {
		return false
	}
	total := float64(len(s))
	entropy := 0.0
	for _, n := range freq {
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy >= 4.5
}

// Value redacts a single value. key is the mapping key it is stored under,
// or the empty string for positional and sequence elements. The result is
// deterministic, idempotent, and structure-preserving; types that cannot be
// canonically encoded are replaced with a placeholder instead of erroring.
func Value(key string, v any) (any, error) {
	if key != "" && SensitiveKey(key) {
		return Sentinel, nil
	}
	if v == nil {
		return nil, nil
	}

	switch value := v.(type) {
	case string:
		if value != Sentinel && SensitiveValue(value) {
			return Sentinel, nil
		}
		return value, nil
	case json.Number:
		return value, nil
	case time.Time:
		return value, nil
	case float32, float64:
		return nil, ErrFloatValue
	case []byte:
		return "<bytes:" + strconv.Itoa(len(value)) + ">", nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return Value(key, rv.String())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return nil, ErrFloatValue
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return placeholder(v), nil
		}
		out := make(map[string]any, rv.Len())
		for _, mk := range rv.MapKeys() {
			redacted, err := Value(mk.String(), rv.MapIndex(mk).Interface())
			if err != nil {
				return nil, err
			}
			out[mk.String()] = redacted
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			redacted, err := Value("", rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = redacted
		}
		return out, nil
	default:
		return placeholder(v), nil
	}
}

// Args redacts positional arguments.
func Args(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		redacted, err := Value("", arg)
		if err != nil {
			return nil, err
		}
		out[i] = redacted
	}
	return out, nil
}

// Kwargs redacts a keyword-argument or metadata mapping.
func Kwargs(kwargs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		redacted, err := Value(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = redacted
	}
	return out, nil
}

// placeholder renders a deterministic, non-leaky stand-in for values that
// have no canonical JSON form.
func placeholder(v any) string {
	t := reflect.TypeOf(v)
	name := t.Name()
	if name == "" {
		name = t.Kind().String()
	}
	return "<" + name + ">"
}
