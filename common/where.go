package common

import (
	"bytes"
	"encoding/json"
	"math/big"
)

// DecodeColumns splits a JSON row object into its raw column values. A row
// that is not an object yields nil.
func DecodeColumns(row json.RawMessage) map[string]json.RawMessage {
	var columns map[string]json.RawMessage
	if err := json.Unmarshal(row, &columns); err != nil {
		return nil
	}
	return columns
}

// MatchWhere reports whether every where column equals the row's value. A
// missing column or a nil columns map does not match a non-empty where.
func MatchWhere(where map[string]any, columns map[string]json.RawMessage) bool {
	if len(where) == 0 {
		return true
	}
	if columns == nil {
		return false
	}
	for column, want := range where {
		got, ok := columns[column]
		if !ok || !ValueEqual(want, got) {
			return false
		}
	}
	return true
}

// ValueEqual compares a filter value with a raw JSON column value. Numbers
// compare exactly, so 1 and 1.0 are equal while 2^53 and 2^53+1 are not.
// 1 and "1" are never equal.
func ValueEqual(want any, got json.RawMessage) bool {
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return false
	}
	a, ok := decodeNumbers(wantJSON)
	if !ok {
		return false
	}
	b, ok := decodeNumbers(got)
	if !ok {
		return false
	}
	return valuesEqual(a, b)
}

func decodeNumbers(data []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && numbersEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !valuesEqual(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	x, ok := new(big.Rat).SetString(string(a))
	if !ok {
		return false
	}
	y, ok := new(big.Rat).SetString(string(b))
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}
