package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Number is a float64 that decodes leniently: null, malformed strings and
// values of the wrong JSON type all become 0 instead of failing the frame.
// NaN and infinities also become 0, so a reading always re-encodes.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	*n = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*n = parseFinite(s)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		*n = parseFinite(string(b))
	}

	return nil
}

func parseFinite(s string) Number {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return Number(v)
}

// Float returns n as a float64.
func (n Number) Float() float64 {
	return float64(n)
}

// Triple holds one value per phase.
type Triple [3]Number

// UnmarshalJSON implements json.Unmarshaler. Anything other than an array
// yields zeros; extra elements are ignored.
func (t *Triple) UnmarshalJSON(b []byte) error {
	*t = Triple{}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	for i := 0; i < len(raw) && i < len(t); i++ {
		_ = t[i].UnmarshalJSON(raw[i])
	}
	return nil
}
