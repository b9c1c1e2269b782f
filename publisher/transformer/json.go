// Package transformer provides implementations of the publisher.Transformer interface
// for converting change records to sink-specific formats.
package transformer

import (
	"encoding/json"

	"github.com/kmal808/litebase/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
}

// JSONTransformer emits the record as plain JSON, rows embedded verbatim
type JSONTransformer struct{}

func (JSONTransformer) Transform(rec publisher.Record) ([]byte, error) {
	return json.Marshal(rec)
}

// Tombstone returns nil, the Kafka log compaction marker
func (JSONTransformer) Tombstone(string) []byte {
	return nil
}
