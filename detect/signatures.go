package detect

import (
	"bytes"

	"muxrpc/protocol"
	"muxrpc/session"
)

// Defaults returns the built-in protocols in priority order.
func Defaults() []Protocol {
	return []Protocol{RPC(), WebSocket(), HTTP()}
}

// RPC matches the binary RPC stream preface.
func RPC() Protocol {
	return Protocol{
		Kind: session.KindRPC,
		Name: "rpc",
		Match: func(b []byte) Result {
			match, ok := protocol.HasSignature(b)
			switch {
			case !ok:
				return NeedMore
			case match:
				return Match
			}
			return NoMatch
		},
	}
}

var methods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "), []byte("TRACE "),
}

// HTTP matches a request line starting with a known method token.
func HTTP() Protocol {
	return Protocol{
		Kind: session.KindHTTP,
		Name: "http",
		Match: func(b []byte) Result {
			return matchMethod(b, methods...)
		},
	}
}

func matchMethod(b []byte, tokens ...[]byte) Result {
	undecided := false
	for _, m := range tokens {
		if bytes.HasPrefix(b, m) {
			return Match
		}
		if len(b) < len(m) && bytes.HasPrefix(m, b) {
			undecided = true
		}
	}
	if undecided {
		return NeedMore
	}
	return NoMatch
}

var (
	crlf         = []byte("\r\n")
	upgradeKey   = []byte("upgrade:")
	websocketVal = []byte("websocket")
)

// WebSocket matches a GET request carrying "Upgrade: websocket". It decides
// as soon as that header line is complete, or when the header block ends
// without it.
func WebSocket() Protocol {
	return Protocol{
		Kind: session.KindWebSocket,
		Name: "websocket",
		Match: func(b []byte) Result {
			if r := matchMethod(b, methods[0]); r != Match {
				return r
			}
			// Skip the request line, then walk complete header lines.
			i := bytes.Index(b, crlf)
			if i < 0 {
				return NeedMore
			}
			rest := b[i+2:]
			for {
				j := bytes.Index(rest, crlf)
				if j < 0 {
					return NeedMore
				}
				line := rest[:j]
				if len(line) == 0 {
					return NoMatch
				}
				if len(line) > len(upgradeKey) && bytes.EqualFold(line[:len(upgradeKey)], upgradeKey) {
					value := bytes.ToLower(bytes.TrimSpace(line[len(upgradeKey):]))
					if bytes.Contains(value, websocketVal) {
						return Match
					}
				}
				rest = rest[j+2:]
			}
		},
	}
}
