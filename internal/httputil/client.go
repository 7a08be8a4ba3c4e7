package httputil

import (
	"net/http"
	"time"
)

// NewClient builds an HTTP client with the transport settings every outbound
// caller here shares. Connection reuse matters: the provider gateway and the
// directory service see repeated requests to the same hosts, so the pool
// keeps idle connections warm instead of re-handshaking.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
