package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport caps connections per host so a stalled downstream cannot
// pile up unbounded dials.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		MaxConnsPerHost:     50,
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        50,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
