package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"gatekeeper/pkg/requestcontext"
)

func TestClientIPFromRequest(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"first forwarded address wins", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.2:5000", "203.0.113.9"},
		{"real ip header", map[string]string{"X-Real-IP": " 198.51.100.4 "}, "10.0.0.2:5000", "198.51.100.4"},
		{"remote addr ipv4", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"remote addr ipv6", nil, "[::1]:1234", "::1"},
		{"remote addr without port", nil, "192.0.2.1", "192.0.2.1"},
		{"nothing known", nil, "", "unknown"},
		{"garbage forwarded entry skipped", map[string]string{"X-Forwarded-For": "evil, 203.0.113.9"}, "10.0.0.2:5000", "203.0.113.9"},
		{"garbage real ip falls back to remote", map[string]string{"X-Real-IP": "localhost"}, "192.0.2.1:1234", "192.0.2.1"},
		{"ipv4-mapped address unmapped", nil, "[::ffff:192.0.2.7]:80", "192.0.2.7"},
		{"non-ip remote addr", nil, "pipe", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientIPFromRequest(r))
		})
	}
}

func TestClientMetadata(t *testing.T) {
	var gotIP, gotUA string
	h := ClientMetadata(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotIP = requestcontext.ClientIP(r.Context())
		gotUA = requestcontext.UserAgent(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	r.Header.Set("User-Agent", "curl/8.0")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "192.0.2.1", gotIP)
	assert.Equal(t, "curl/8.0", gotUA)
}
