package hostpay

import (
	"strconv"
	"strings"
)

// Payload is a decoded JSON response body. The remote API has renamed fields
// across versions (result_code vs ResultCode, nested data vs root-level), so
// callers probe values by key instead of binding to a fixed struct.
type Payload map[string]interface{}

// Data returns the nested "data" object when present, else the payload
// itself. Newer API versions nest the interesting fields one level down.
func (p Payload) Data() Payload {
	if nested, ok := p["data"].(map[string]interface{}); ok {
		return Payload(nested)
	}
	return p
}

// Has reports whether the key is present at all.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the value under key coerced to a string. JSON numbers are
// rendered without an exponent, so result codes compare equal whether the
// remote sends "1032" or 1032.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}

// Float returns the value under key as a float64, accepting both JSON
// numbers and numeric strings.
func (p Payload) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Bool returns the value under key as a bool. Only a JSON true/false counts;
// truthy strings do not.
func (p Payload) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}
