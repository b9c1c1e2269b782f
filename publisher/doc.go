// Package publisher mirrors decoded change events to external brokers.
//
// The Registry is registered on the change listener next to the realtime
// dispatcher. Every event becomes a Record that is offered to one Worker per
// configured sink. Each worker owns a bounded in-memory queue, a glob Filter over
// namespace and table, a Transformer (json, msgpack or debezium) and a Sink
// (nats or kafka), and publishes with exponential backoff retry.
//
// Export is best effort like the realtime feed: nothing is persisted, a full
// queue drops new records and queued records are abandoned on shutdown.
//
// Topics are "<prefix>.<namespace>.<table>". Records are keyed by namespace,
// table and the row's id column so a row's changes land on one partition.
//
// Sinks and transformers register themselves from their packages' init
// functions; import publisher/sink and publisher/transformer for side effects:
//
//	import (
//		_ "github.com/kmal808/litebase/publisher/sink"
//		_ "github.com/kmal808/litebase/publisher/transformer"
//	)
package publisher
