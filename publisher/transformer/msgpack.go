package transformer

import (
	"fmt"

	"github.com/kmal808/litebase/encoding"
	"github.com/kmal808/litebase/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// MsgpackTransformer emits compact msgpack with rows decoded into maps
type MsgpackTransformer struct{}

type msgpackRecord struct {
	publisher.Record `msgpack:",inline"`
	After            map[string]any `msgpack:"after"`
	Before           map[string]any `msgpack:"before,omitempty"`
}

func (MsgpackTransformer) Transform(rec publisher.Record) ([]byte, error) {
	after, before, err := rec.Columns()
	if err != nil {
		return nil, err
	}

	data, err := encoding.Marshal(msgpackRecord{Record: rec, After: after, Before: before})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack: %w", err)
	}
	return data, nil
}

func (MsgpackTransformer) Tombstone(string) []byte {
	return nil
}

// DecodeMsgpack reverses MsgpackTransformer for consumers written in Go
func DecodeMsgpack(data []byte) (rec publisher.Record, after, before map[string]any, err error) {
	var m msgpackRecord
	if err := encoding.Unmarshal(data, &m); err != nil {
		return publisher.Record{}, nil, nil, fmt.Errorf("failed to unmarshal msgpack: %w", err)
	}
	return m.Record, m.After, m.Before, nil
}
