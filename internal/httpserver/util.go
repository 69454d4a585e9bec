package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// readAll reads and closes a request body whole, for handlers (like the
// Stripe webhook) that need the raw bytes to verify a signature before
// any JSON decoding happens.
func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
