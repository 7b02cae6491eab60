package signal

import (
	"net/url"
	"strings"
)

// extractSocketID recovers the per-connection identity from the
// transport's negotiated URL. The server appends a SockJS-style tail
// to the signaling path:
//
//	.../<signaling-path>/<server-id>/<socket-id>/websocket
//
// where the trailing "websocket" segment may be absent on raw
// WebSocket fallbacks. Returns false when the signaling path marker is
// not present or no identity segment follows it; callers keep the
// previous identity in that case.
func extractSocketID(rawURL, signalingPath string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	marker := strings.Trim(signalingPath, "/")
	if marker == "" {
		return "", false
	}
	markerSegs := strings.Split(marker, "/")

	segs := splitPath(u.Path)
	at := -1
	for i := 0; i+len(markerSegs) <= len(segs); i++ {
		if equalSegments(segs[i:i+len(markerSegs)], markerSegs) {
			at = i + len(markerSegs)
		}
	}
	if at < 0 {
		return "", false
	}

	tail := segs[at:]
	if len(tail) > 0 && tail[len(tail)-1] == "websocket" {
		tail = tail[:len(tail)-1]
	}
	// server-id then socket-id
	if len(tail) < 2 {
		return "", false
	}
	return tail[1], true
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func equalSegments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
