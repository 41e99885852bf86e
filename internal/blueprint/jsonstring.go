package blueprint

import "encoding/json"

// toJSONString renders a non-string scalar (number, bool) for interpolation
// into a larger placeholder-bearing string.
func toJSONString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
