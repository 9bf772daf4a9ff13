package notify

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	globalHTTPClient *http.Client
	httpClientOnce   sync.Once
)

// GetHTTPClient returns the pooled client shared by every webhook channel.
// Per-attempt deadlines come from the request context.
func GetHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,

			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},

			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,

			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		}

		globalHTTPClient = &http.Client{
			Transport: transport,
			// webhooks must answer directly
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	})

	return globalHTTPClient
}
