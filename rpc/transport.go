package rpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	json "github.com/goccy/go-json"
)

// maxFrameBytes guards against a corrupt or hostile length prefix trying to
// make a reader allocate an unbounded buffer.
const maxFrameBytes = 16 << 20

// Frame is one length-prefixed, JSON-encoded envelope on the wire: a Kind
// discriminator (the message's Go type name, e.g. "Command") plus its
// goccy/go-json payload.
type Frame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// WriteFrame writes kind+payload as one length-prefixed frame: a 4-byte
// big-endian length followed by that many bytes of JSON.
func WriteFrame(w io.Writer, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rpc: marshal %s payload: %w", kind, err)
	}
	frame, err := json.Marshal(Frame{Kind: kind, Payload: body})
	if err != nil {
		return fmt.Errorf("rpc: marshal frame: %w", err)
	}
	if len(frame) > maxFrameBytes {
		return fmt.Errorf("rpc: frame too large (%d bytes)", len(frame))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame and decodes its envelope. The
// caller is expected to switch on Frame.Kind and unmarshal Payload into the
// matching message struct.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return Frame{}, fmt.Errorf("rpc: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return Frame{}, fmt.Errorf("rpc: unmarshal frame: %w", err)
	}
	return f, nil
}

// Into decodes a frame's payload into dst, the typed message matching
// Frame.Kind.
func (f Frame) Into(dst any) error {
	return json.Unmarshal(f.Payload, dst)
}

// Conn wraps one client-RPC or worker-RPC socket with buffered framing and a
// write mutex, since a connection's events-pub/sub broadcasts and its
// request/reply traffic can be written from different goroutines.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex
}

// NewConn wraps an established net.Conn (TCP, typically) for framed I/O.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

// Send writes one frame, safe for concurrent use alongside other Send calls
// on the same Conn.
func (c *Conn) Send(kind string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.nc, kind, payload)
}

// Recv reads the next frame. Recv is not safe for concurrent use by more
// than one reader goroutine; each Conn is expected to have a single reader
// loop, matching every other per-connection goroutine in this package.
func (c *Conn) Recv() (Frame, error) {
	return ReadFrame(c.r)
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr exposes the peer address for ConnectionRecord population.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}
