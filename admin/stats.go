package admin

import "net/http"

// handleStats reports live counters from every wired component
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{}

	if h.sources.Connections != nil {
		response["connections"] = h.sources.Connections.ConnectionCount()
	}
	if h.sources.Registry != nil {
		response["subscriptions"] = h.sources.Registry.Stats()
	}
	if h.sources.Dispatcher != nil {
		response["dispatch"] = h.sources.Dispatcher.Stats()
	}
	if h.sources.Listener != nil {
		received, malformed, reconnects := h.sources.Listener.Stats()
		response["listener"] = map[string]interface{}{
			"connected":  h.sources.Listener.Connected(),
			"received":   received,
			"malformed":  malformed,
			"reconnects": reconnects,
		}
	}
	if h.sources.Exports != nil {
		response["exports"] = h.sources.Exports.Stats()
	}

	writeJSONResponse(w, response)
}
