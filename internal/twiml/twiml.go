// Package twiml renders the minimal <Connect><Stream> document telephony
// fetches to discover the bridge's WebSocket URL. This is a thin template,
// not a TwiML parser: parsing incoming TwiML belongs to the telephony
// provider, not the bridge.
package twiml

import (
	"fmt"
	"net/http"
)

// MediaStreamDocument renders the TwiML body pointing at wsURL.
func MediaStreamDocument(wsURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s" />
  </Connect>
</Response>`, wsURL)
}

// Handler serves the rendered document with the TwiML content type.
func Handler(wsURL string) http.HandlerFunc {
	body := MediaStreamDocument(wsURL)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}
}
