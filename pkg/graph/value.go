package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// CanonicalValue returns the canonical JSON encoding of a property value.
//
// The value is marshalled, decoded back into plain JSON types and marshalled
// again, so that values which are equal as JSON (30, int64(30), 30.0) share
// one byte representation. Object keys come out sorted. Integers keep every
// digit; they are never routed through float64.
func CanonicalValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON rewrites already encoded JSON into canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	decoded, err := DecodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return out, nil
}

// DecodeValue decodes one JSON value into plain Go types. Numbers become
// int64 when they are integers that fit, uint64 when they only fit unsigned,
// and float64 otherwise.
func DecodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		return numberValue(t)
	case map[string]any:
		for k, elem := range t {
			n, err := normalizeNumbers(elem)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, elem := range t {
			n, err := normalizeNumbers(elem)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

func numberValue(n json.Number) (any, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("number %s: %w", s, err)
	}
	return f, nil
}
