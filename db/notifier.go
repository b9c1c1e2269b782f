package db

import "github.com/kmal808/litebase/common"

// ChangeHandler receives every decoded change event, in notification order.
// Implementations must not block: they run on the listener goroutine.
type ChangeHandler interface {
	HandleChange(ev common.ChangeEvent)
}

// ChangeHandlerFunc adapts a function to ChangeHandler.
type ChangeHandlerFunc func(ev common.ChangeEvent)

func (f ChangeHandlerFunc) HandleChange(ev common.ChangeEvent) {
	f(ev)
}

// ChangeSource is the upstream side of the pipeline.
// Used by the dispatcher and the export registry to receive change events.
type ChangeSource interface {
	OnEvent(handler ChangeHandler)
}
