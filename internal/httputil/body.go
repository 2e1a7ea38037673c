// Package httputil holds small HTTP helpers shared by the gateway and
// the forwarder.
package httputil

import (
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxBodyBytes caps request and upstream response bodies at
// 10 MiB unless configured otherwise.
const DefaultMaxBodyBytes = 10 << 20

// ErrBodyTooLarge is returned when a body exceeds the configured cap.
var ErrBodyTooLarge = fmt.Errorf("body exceeds size limit")

// ReadLimitedBody reads r up to maxBytes and errors if the body is
// larger. maxBytes <= 0 applies DefaultMaxBodyBytes.
func ReadLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// DrainAndClose discards whatever remains of an HTTP response body and
// closes it so the transport can reuse the connection.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
