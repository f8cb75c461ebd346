package clientid

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDerive(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
		source     Source
	}{
		{
			name:       "direct connection uses peer",
			remoteAddr: "203.0.113.9:51442",
			want:       "203.0.113.9",
			source:     SourcePeer,
		},
		{
			name:       "loopback trusts forwarded-for first hop",
			remoteAddr: "127.0.0.1:40000",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.5, 172.16.0.1"},
			want:       "10.0.0.5",
			source:     SourceForwardedFor,
		},
		{
			name:       "loopback falls back to real-ip",
			remoteAddr: "127.0.0.1:40000",
			headers:    map[string]string{"X-Real-IP": "10.0.0.7"},
			want:       "10.0.0.7",
			source:     SourceRealIP,
		},
		{
			name:       "loopback falls back to cf-connecting-ip",
			remoteAddr: "127.0.0.1:40000",
			headers:    map[string]string{"CF-Connecting-IP": "198.51.100.3"},
			want:       "198.51.100.3",
			source:     SourceCFConnecting,
		},
		{
			name:       "forwarded-for beats real-ip",
			remoteAddr: "127.0.0.1:40000",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.5",
				"X-Real-IP":       "10.0.0.7",
			},
			want:   "10.0.0.5",
			source: SourceForwardedFor,
		},
		{
			name:       "loopback with no headers uses peer",
			remoteAddr: "127.0.0.1:40000",
			want:       "127.0.0.1",
			source:     SourcePeer,
		},
		{
			name:       "ipv6 loopback trusts headers",
			remoteAddr: "[::1]:40000",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.5"},
			want:       "10.0.0.5",
			source:     SourceForwardedFor,
		},
		{
			name:       "non-loopback peer ignores forwarding headers",
			remoteAddr: "203.0.113.9:51442",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.5"},
			want:       "203.0.113.9",
			source:     SourcePeer,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/upload", nil)
			r.RemoteAddr = c.remoteAddr
			for k, v := range c.headers {
				r.Header.Set(k, v)
			}
			got, source := Derive(r)
			if got != c.want || source != c.source {
				t.Errorf("Derive() = (%q, %s), want (%q, %s)", got, source, c.want, c.source)
			}
		})
	}
}
