package clientid

import (
	"net"
	"net/http"
	"strings"
)

type Source string

const (
	SourceForwardedFor Source = "x_forwarded_for"
	SourceRealIP       Source = "x_real_ip"
	SourceCFConnecting Source = "cf_connecting_ip"
	SourcePeer         Source = "peer"
)

// Derive picks a stable client identity for a request using:
// 1) X-Forwarded-For first hop (loopback peers only)
// 2) X-Real-IP (loopback peers only)
// 3) CF-Connecting-IP (loopback peers only)
// 4) the socket peer address
//
// Forwarding headers are only believed when the request arrived over
// loopback, i.e. from the local tunnel relay; anyone else could have typed
// them in.
func Derive(r *http.Request) (identity string, source Source) {
	peer := peerHost(r.RemoteAddr)

	if ip := net.ParseIP(peer); ip != nil && ip.IsLoopback() {
		if v := firstForwarded(r.Header.Get("X-Forwarded-For")); v != "" {
			return v, SourceForwardedFor
		}
		if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
			return v, SourceRealIP
		}
		if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
			return v, SourceCFConnecting
		}
	}

	return peer, SourcePeer
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// bare address without a port
		return strings.TrimSpace(remoteAddr)
	}
	return host
}

// firstForwarded returns the first hop of a comma separated
// X-Forwarded-For chain; later hops are relays, not the client.
func firstForwarded(v string) string {
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, ",", 2)
	return strings.TrimSpace(parts[0])
}
