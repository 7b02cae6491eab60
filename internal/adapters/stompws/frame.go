package stompws

import (
	"bytes"
	"fmt"
	"strings"
)

// Minimal STOMP 1.2 framing: only the commands this client exchanges.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSend        = "SEND"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdDisconnect  = "DISCONNECT"
	cmdMessage     = "MESSAGE"
	cmdReceipt     = "RECEIPT"
	cmdError       = "ERROR"
)

type frame struct {
	command string
	headers map[string]string
	body    []byte
}

// heartbeat is the single-byte keep-alive frame.
var heartbeat = []byte("\n")

func isHeartbeat(raw []byte) bool {
	trimmed := bytes.TrimRight(raw, "\r\n")
	return len(trimmed) == 0
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

var headerUnescaper = strings.NewReplacer(
	"\\r", "\r",
	"\\n", "\n",
	"\\c", ":",
	"\\\\", "\\",
)

func (f *frame) marshal() []byte {
	var b bytes.Buffer
	b.WriteString(f.command)
	b.WriteByte('\n')
	for k, v := range f.headers {
		b.WriteString(headerEscaper.Replace(k))
		b.WriteByte(':')
		b.WriteString(headerEscaper.Replace(v))
		b.WriteByte('\n')
	}
	if len(f.body) > 0 {
		fmt.Fprintf(&b, "content-length:%d\n", len(f.body))
	}
	b.WriteByte('\n')
	b.Write(f.body)
	b.WriteByte(0)
	return b.Bytes()
}

// parseFrame decodes one STOMP frame. Returns (nil, nil) for a
// heartbeat frame.
func parseFrame(raw []byte) (*frame, error) {
	if isHeartbeat(raw) {
		return nil, nil
	}

	head, body, found := bytes.Cut(raw, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("stomp: frame without header terminator")
	}
	body = bytes.TrimSuffix(body, []byte{0})

	lines := strings.Split(strings.TrimRight(string(head), "\r\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("stomp: frame without command")
	}

	f := &frame{
		command: strings.TrimRight(lines[0], "\r"),
		headers: make(map[string]string, len(lines)-1),
		body:    body,
	}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header %q", line)
		}
		// First occurrence wins (STOMP 1.2 repeated-header rule).
		key := headerUnescaper.Replace(k)
		if _, exists := f.headers[key]; !exists {
			f.headers[key] = headerUnescaper.Replace(v)
		}
	}
	return f, nil
}
