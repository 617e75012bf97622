package v2rayn

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// descriptor is one V2RayN-style node object. Values are whatever JSON gave
// us (decoded with UseNumber), so every accessor normalizes to string.
type descriptor map[string]any

// str returns the value of key as a trimmed string; objects and arrays
// read as "".
func (d descriptor) str(key string) string {
	switch v := d[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// has reports whether key is present with a non-null value.
func (d descriptor) has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// truthy follows the loose truthiness of the source format: empty strings,
// false and numeric zero are all "not set".
func (d descriptor) truthy(key string) bool {
	switch v := d[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return true
	}
}

func (d descriptor) anyTruthy(keys ...string) bool {
	return lo.SomeBy(keys, d.truthy)
}

// first returns the first non-empty value among keys.
func (d descriptor) first(keys ...string) string {
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = d.str(k)
	}
	return lo.CoalesceOrEmpty(vals...)
}

func (d descriptor) tag() string {
	return strings.ToLower(d.str("type"))
}

func (d descriptor) tlsOn() bool {
	switch v := d["tls"].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "tls")
	default:
		return false
	}
}

func (d descriptor) insecure() bool {
	switch d.str("allowInsecure") {
	case "1", "true":
		return true
	}
	return d.str("skipCertVerify") == "true"
}

// port parses the port field; it accepts both "443" and 443.
func (d descriptor) port() (int, bool) {
	n, err := strconv.Atoi(d.str("port"))
	if err != nil || n < 1 || n > 65535 {
		return 0, false
	}
	return n, true
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
