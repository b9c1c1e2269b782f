// Package encoding is the msgpack codec shared by export transformers and
// the Go consumers that decode their output.
//
// Marshal and Unmarshal are safe for concurrent use. When decoding into
// interface{}, msgpack strings decode as Go strings rather than []byte, so
// decoded row maps compare equal to their JSON-decoded form.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack, using json struct tags where no msgpack tag is set.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data with loose interface decoding: integers
// decode as int64/uint64 and binary strings as string.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
