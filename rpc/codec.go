// Package rpc implements the TCP request/response layer agents and managers
// communicate over. Each call opens its own connection, exchanges exactly one
// length-prefixed JSON request and one response, and closes. Servers perform
// no authentication; the protocol assumes a trusted, closed network.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize caps a single message at 16 MiB. Artifacts relayed between
// environments are expected to stay well below this.
const maxFrameSize = 16 << 20

// Request is the wire form of a single call. Target selects the agent slot
// inside the receiving environment.
type Request struct {
	ID     string          `json:"id"`
	Target int             `json:"target"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response carries the call result or the remote error message back.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteError is returned by Call when the remote handler failed. It carries
// the handler's error text across the wire.
type RemoteError struct {
	Addr   string
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s %s: %s", e.Addr, e.Method, e.Msg)
}

// writeFrame writes a 4-byte big-endian length prefix followed by the JSON
// encoding of v.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame and decodes it into v.
func readFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
