package metadata

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"gatekeeper/pkg/requestcontext"
)

const unknownIP = "unknown"

// ClientMetadata records the caller's IP and User-Agent in the request context
// for audit enrichment.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIPFromRequest picks the first forwarded client address, then
// X-Real-IP, then the connection's remote address. Header values that are not
// IP addresses are ignored.
func ClientIPFromRequest(r *http.Request) string {
	for hop := range strings.SplitSeq(r.Header.Get("X-Forwarded-For"), ",") {
		if ip, ok := parseIP(hop); ok {
			return ip
		}
	}
	if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip, ok := parseIP(host); ok {
		return ip
	}
	return unknownIP
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
