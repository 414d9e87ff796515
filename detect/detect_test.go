package detect

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"muxrpc/protocol"
	"muxrpc/session"
)

const wsRequest = "GET /ws HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"

func TestClassify(t *testing.T) {
	d := New(nil)
	tests := []struct {
		name  string
		in    string
		final bool
		want  Result
		kind  session.Kind
	}{
		{"rpc preface", string(protocol.Preface(0)), false, Match, session.KindRPC},
		{"rpc partial", "mr", false, NeedMore, 0},
		{"rpc partial at limit", "mr", true, NoMatch, 0},
		{"post", "POST /x HTTP/1.1\r\n", false, Match, session.KindHTTP},
		{"partial method", "PO", false, NeedMore, 0},
		{"websocket", wsRequest, false, Match, session.KindWebSocket},
		{"websocket early", "GET /ws HTTP/1.1\r\nupgrade: WebSocket\r\n", false, Match, session.KindWebSocket},
		{"plain get waits for headers", "GET / HTTP/1.1\r\nHost: x\r\n", false, NeedMore, 0},
		{"plain get", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", false, Match, session.KindHTTP},
		{"plain get cut at limit", "GET / HTTP/1.1\r\nHost: x\r\n", true, Match, session.KindHTTP},
		{"garbage", "\x16\x03\x01\x02", false, NoMatch, 0},
		{"lowercase method", "get / HTTP/1.1\r\n", false, NoMatch, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, r := d.Classify([]byte(tt.in), tt.final)
			if r != tt.want || p.Kind != tt.kind {
				t.Fatalf("Classify(%q) = %s/%s, want %s/%s", tt.in, p.Kind, r, tt.kind, tt.want)
			}
		})
	}
}

func TestPriorityBlocksLowerMatch(t *testing.T) {
	always := Protocol{Kind: session.KindHTTP, Match: func([]byte) Result { return Match }}
	undecided := Protocol{Kind: session.KindRPC, Match: func([]byte) Result { return NeedMore }}
	d := New([]Protocol{undecided, always})

	if _, r := d.Classify([]byte("x"), false); r != NeedMore {
		t.Fatalf("lower priority protocol won while a higher one was undecided: %s", r)
	}
	if p, r := d.Classify([]byte("x"), true); r != Match || p.Kind != session.KindHTTP {
		t.Fatalf("at the limit: %s %s", p.Kind, r)
	}
}

// detectPipe runs Detect on one end of a pipe while send is written to the
// other.
func detectPipe(t *testing.T, d *Detector, send []byte, closeAfter bool) (Protocol, net.Conn, error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	go func() {
		client.Write(send)
		if closeAfter {
			client.Close()
		}
	}()
	return d.Detect(server)
}

func TestDetectReplaysBytes(t *testing.T) {
	frame, _ := protocol.Encode(&protocol.Packet{Command: 3, CallID: 42, Payload: []byte(`{"a":1}`)})
	stream := append(protocol.Preface(0), frame...)

	p, conn, err := detectPipe(t, New(nil), stream, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != session.KindRPC {
		t.Fatalf("kind = %s", p.Kind)
	}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(stream) {
		t.Fatalf("replayed %q, want %q", got, stream)
	}
}

func TestDetectGarbage(t *testing.T) {
	_, conn, err := detectPipe(t, New(nil), []byte("\x00\x01garbage"), false)
	if !errors.Is(err, ErrUndetected) || !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("got %v", err)
	}
	if conn != nil {
		t.Fatal("undetected connection returned")
	}
}

func TestDetectLookaheadBound(t *testing.T) {
	// A GET whose headers never end must not be buffered forever; at the
	// limit it falls through to plain HTTP.
	long := []byte("GET / HTTP/1.1\r\nX-Pad: ")
	for len(long) < 200 {
		long = append(long, 'a')
	}
	d := New(nil, WithLookahead(64))
	p, _, err := detectPipe(t, d, long, false)
	if err != nil || p.Kind != session.KindHTTP {
		t.Fatalf("got %s, %v", p.Kind, err)
	}
}

func TestDetectTimeout(t *testing.T) {
	d := New(nil, WithTimeout(50*time.Millisecond))
	_, _, err := detectPipe(t, d, []byte("mr"), false)
	if !errors.Is(err, ErrUndetected) {
		t.Fatalf("got %v", err)
	}
}

func TestDetectEOFMidSignature(t *testing.T) {
	_, _, err := detectPipe(t, New(nil), []byte("PO"), true)
	if !errors.Is(err, ErrUndetected) {
		t.Fatalf("got %v", err)
	}
}
