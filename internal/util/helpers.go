package util

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// BodyEncodingBase64 marks a body stored as base64 text
const BodyEncodingBase64 = "base64"

// DecodeBody turns raw bytes into the value stored in captures: a JSON
// value when the payload is a JSON document, text otherwise. Payloads that
// are not valid UTF-8 are returned base64 encoded with BodyEncodingBase64.
func DecodeBody(raw []byte) (interface{}, string) {
	if len(raw) == 0 {
		return nil, ""
	}

	if gjson.ValidBytes(raw) {
		switch gjson.ParseBytes(raw).Type {
		case gjson.String, gjson.Null:
			// a bare JSON string would lose its quotes on the way back out
		default:
			var body interface{}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&body); err == nil {
				return body, ""
			}
		}
	}

	if utf8.Valid(raw) {
		return string(raw), ""
	}
	return base64.StdEncoding.EncodeToString(raw), BodyEncodingBase64
}

// EncodeBody serializes a stored body back to wire bytes
func EncodeBody(body interface{}, encoding string) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return []byte{}, nil
	case string:
		if encoding == BodyEncodingBase64 {
			return base64.StdEncoding.DecodeString(v)
		}
		return []byte(v), nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		return data, nil
	}
}

// FlattenHeaders converts http.Header into the single-value map stored in captures
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	return out
}

// HeaderValues copies http.Header into the multi-value map stored with a
// response. Keys are lower-cased; value order is kept.
func HeaderValues(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for key, values := range h {
		k := strings.ToLower(key)
		out[k] = append(out[k], values...)
	}
	return out
}

// Clone creates a deep copy of src into dst using JSON
func Clone(src, dst interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return UnmarshalJSON(data, dst)
}

// UnmarshalJSON decodes data into v keeping numbers as json.Number
func UnmarshalJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Contains checks if a slice contains a value
func Contains(slice []string, value string) bool {
	for _, item := range slice {
		if item == value {
			return true
		}
	}
	return false
}

// ToJSON converts an object to JSON string
func ToJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
