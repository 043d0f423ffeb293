package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// DialTimeout is the default connect timeout applied when the caller's
// context carries no deadline.
const DialTimeout = 5 * time.Second

// Call performs one request against the agent slot target at hostport. The
// connection is opened for this call only and closed before returning. args
// is JSON-encoded into the request; if reply is non-nil the response result
// is decoded into it. Handler-side failures are returned as *RemoteError.
func Call(ctx context.Context, hostport string, target int, method string, args, reply any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DialTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return fmt.Errorf("rpc dial %s: %w", hostport, err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	var raw json.RawMessage
	if args != nil {
		raw, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("rpc encode args: %w", err)
		}
	}
	req := Request{
		ID:     uuid.NewString(),
		Target: target,
		Method: method,
		Args:   raw,
	}
	if err := writeFrame(conn, req); err != nil {
		return fmt.Errorf("rpc send to %s: %w", hostport, err)
	}

	var resp Response
	if err := readFrame(conn, &resp); err != nil {
		return fmt.Errorf("rpc receive from %s: %w", hostport, err)
	}
	if resp.Error != "" {
		return &RemoteError{Addr: hostport, Method: method, Msg: resp.Error}
	}
	if reply != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, reply); err != nil {
			return fmt.Errorf("rpc decode result: %w", err)
		}
	}
	return nil
}
