// Package fingerprint derives short, stable identifiers from tuples of values.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Of returns a 16 hex character identifier for the given values. Values are
// JSON encoded (maps with sorted keys) and separated, so ("ab", "c") and
// ("a", "bc") produce different fingerprints.
func Of(values ...interface{}) string {
	d := xxhash.New()
	for i, v := range values {
		if i > 0 {
			_, _ = d.Write([]byte{0x1f})
		}
		_, _ = d.Write(encode(v))
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

func encode(v interface{}) []byte {
	switch t := v.(type) {
	case nil:
		return []byte("null")
	case string:
		return []byte(strconv.Quote(t))
	case []byte:
		return []byte(strconv.Quote(string(t)))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return data
}
