package client

import (
	"sync"

	"github.com/kmal808/litebase/common"
)

// Handler receives change messages.
type Handler func(common.DataMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

// emitter fans inbound messages out to handlers keyed by "table" and "table:OPERATION".
type emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string][]handlerEntry)}
}

func operationKey(table string, op common.Operation) string {
	return table + ":" + string(op)
}

// on registers fn under key and returns a func removing it.
func (e *emitter) on(key string, fn Handler) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[key] = append(e.handlers[key], handlerEntry{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(key, id) })
	}
}

func (e *emitter) off(key string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.handlers[key]
	for i, entry := range entries {
		if entry.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(e.handlers, key)
		return
	}
	e.handlers[key] = entries
}

// emit calls the operation-specific handlers first, then the table-wide ones.
func (e *emitter) emit(msg common.DataMessage) int {
	e.mu.RLock()
	byOp := e.handlers[operationKey(msg.Table, msg.Operation)]
	byTable := e.handlers[msg.Table]
	e.mu.RUnlock()

	for _, entry := range byOp {
		entry.fn(msg)
	}
	for _, entry := range byTable {
		entry.fn(msg)
	}
	return len(byOp) + len(byTable)
}
