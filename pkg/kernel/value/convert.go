package value

import (
	"bytes"
	"encoding/json"
)

// Canonicalize recursively converts a Value produced by naive
// encoding/json or yaml.v3 decoding — map[string]any for objects,
// map[any]any in older YAML decoders — into the engine's canonical
// representation: *Object for every mapping, []any for every sequence with
// each element itself canonicalised, and scalars passed through unchanged.
// Every Value entering the engine via Apply is run through this first, so
// construct/operation code only ever sees *Object, never a plain
// map[string]any.
func Canonicalize(v any) any {
	switch t := v.(type) {
	case *Object:
		t.Range(func(key string, val any) bool {
			t.Set(key, Canonicalize(val))
			return true
		})
		return t
	case map[string]any:
		out := NewObject()
		for key, val := range t {
			out.Set(key, Canonicalize(val))
		}
		return out
	case map[any]any:
		out := NewObject()
		for key, val := range t {
			ks, ok := key.(string)
			if !ok {
				ks = TypeName(key)
			}
			out.Set(ks, Canonicalize(val))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Canonicalize(e)
		}
		return out
	default:
		return v
	}
}

// FromJSON decodes JSON bytes into a canonical Value tree: objects as
// *Object (preserving source key order, since encoding/json decodes object
// members in document order into successive map writes which
// Canonicalize's map[string]any branch would NOT preserve — so FromJSON
// decodes with json.Decoder token-by-token instead of json.Unmarshal into
// `any`, to keep Object's insertion order meaningful for round-tripping).
func FromJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSONValue(dec)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeJSONValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeJSONToken(dec, tok)
}

func decodeJSONToken(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return arr, nil
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case nil, bool, string:
		return t, nil
	}
	return tok, nil
}

// ToJSON encodes a canonical Value tree back to JSON, preserving Object key
// insertion order.
func ToJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeJSONValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeJSONValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case *Object:
		buf.WriteByte('{')
		first := true
		var rangeErr error
		t.Range(func(key string, val any) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			keyJSON, err := json.Marshal(key)
			if err != nil {
				rangeErr = err
				return false
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := encodeJSONValue(buf, val); err != nil {
				rangeErr = err
				return false
			}
			return true
		})
		if rangeErr != nil {
			return rangeErr
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSONValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}
