package httpserver

import (
	"encoding/json"
	"io"
)

// decodeJSON reads a request body into dest, rejecting unknown fields so
// client typos surface as 400s instead of silently dropped options. Closes
// the reader.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}
