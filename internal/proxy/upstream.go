package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// Codex 请求头
const (
	headerAccountID      = "Chatgpt-Account-Id"
	headerBeta           = "Openai-Beta"
	headerOriginator     = "Originator"
	headerSessionID      = "Session_id"
	headerConversationID = "Conversation_id"
	betaResponses        = "responses=experimental"
)

// 调用方的凭据与会话头，一律不转发
var strippedRequestHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"Cookie",
	headerAccountID,
	headerSessionID,
	headerConversationID,
}

// NewTransport returns the upstream transport with HTTP/2 enabled
func NewTransport() *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
	}
	_ = http2.ConfigureTransport(transport)
	return transport
}

// RewriteURL maps a caller URL onto the Codex responses endpoint. The part of the
// path after callerPath is kept, as are the query and fragment. Host and scheme
// come from base and any userinfo is dropped.
func RewriteURL(in *url.URL, base, callerPath, responsesPath string) (*url.URL, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base url %q: %w", base, err)
	}
	if b.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q: missing host", base)
	}
	scheme := b.Scheme
	if scheme == "" || (scheme == "http" && !isLoopback(b.Hostname())) {
		scheme = "https"
	}

	suffix := ""
	if in != nil {
		if i := strings.Index(in.Path, callerPath); callerPath != "" && i >= 0 {
			suffix = in.Path[i+len(callerPath):]
		}
	}
	out := &url.URL{
		Scheme: scheme,
		Host:   b.Host,
		Path:   strings.TrimRight(b.Path, "/") + responsesPath + suffix,
	}
	if in != nil {
		out.RawQuery = in.RawQuery
		out.Fragment = in.Fragment
	}
	return out, nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// buildHeaders derives upstream headers from the caller's
func buildHeaders(in http.Header, access, accountID, originator, cacheKey string) http.Header {
	h := make(http.Header, len(in)+6)
	for k, vv := range in {
		h[k] = append([]string(nil), vv...)
	}
	removeHopByHopHeaders(h)
	for _, k := range strippedRequestHeaders {
		h.Del(k)
	}

	h.Set("Authorization", "Bearer "+access)
	if accountID != "" {
		h.Set(headerAccountID, accountID)
	}
	h.Set(headerBeta, betaResponses)
	h.Set(headerOriginator, originator)
	h.Set("Accept", "text/event-stream")
	h.Set("Content-Type", "application/json")
	if cacheKey != "" {
		h.Set(headerSessionID, cacheKey)
		h.Set(headerConversationID, cacheKey)
	}
	return h
}

// removeHopByHopHeaders strips headers that must not be forwarded by proxies
func removeHopByHopHeaders(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(textproto.CanonicalMIMEHeaderKey(f))
			}
		}
	}
	for _, k := range []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	} {
		h.Del(k)
	}
}

// responseHeaders copies upstream response headers that are safe to return
func responseHeaders(in http.Header) http.Header {
	h := make(http.Header, len(in))
	for k, vv := range in {
		h[k] = append([]string(nil), vv...)
	}
	removeHopByHopHeaders(h)
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	return h
}
