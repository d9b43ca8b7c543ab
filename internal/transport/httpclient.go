package transport

import (
	"net"
	"net/http"
	"time"
)

const defaultUserAgent = "textpilot/1.0"

// NewHTTPClient возвращает http.Client с таймаутом и базовым транспортом.
// Прокси берётся из HTTPS_PROXY/NO_PROXY, User-Agent проставляется, если не задан.
func NewHTTPClient(timeout time.Duration) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: userAgent{next: base, value: defaultUserAgent},
	}
}

type userAgent struct {
	next  http.RoundTripper
	value string
}

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return u.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", u.value)
	return u.next.RoundTrip(clone)
}
