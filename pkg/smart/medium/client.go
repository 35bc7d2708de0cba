package medium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/marmos91/dittovcs/internal/protocol/wire"
	"github.com/marmos91/dittovcs/pkg/smart"
	"github.com/marmos91/dittovcs/pkg/smart/protocol"
)

// ClientVersion is sent in the software version header of every request.
const ClientVersion = "dittovcs-client/1"

// Client issues smart requests over one connection. Calls are serialized.
type Client struct {
	mu     sync.Mutex
	conn   io.ReadWriter
	r      *bufio.Reader
	w      *bufio.Writer
	closer io.Closer
}

// Dial connects to a smart server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(rw io.ReadWriter) *Client {
	c := &Client{
		conn: rw,
		r:    bufio.NewReader(rw),
		w:    bufio.NewWriter(rw),
	}
	if closer, ok := rw.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Call sends a request without a body.
func (c *Client) Call(ctx context.Context, args ...string) (*smart.Response, error) {
	return c.do(ctx, args, func() error { return nil })
}

// CallWithBody sends a request whose body is a single block.
func (c *Client) CallWithBody(ctx context.Context, body []byte, args ...string) (*smart.Response, error) {
	return c.do(ctx, args, func() error {
		return wire.WriteFrame(c.w, &wire.Frame{Kind: uint32(wire.KindBody), Data: body})
	})
}

// CallWithChunks sends a request whose body is streamed as chunks.
func (c *Client) CallWithChunks(ctx context.Context, chunks [][]byte, args ...string) (*smart.Response, error) {
	return c.do(ctx, args, func() error {
		for _, chunk := range chunks {
			if err := wire.WriteFrame(c.w, &wire.Frame{Kind: uint32(wire.KindChunk), Data: chunk}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) do(ctx context.Context, args []string, writeBody func() error) (*smart.Response, error) {
	if len(args) == 0 {
		return nil, errors.New("no verb given")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conn.(net.Conn); ok {
		deadline, _ := ctx.Deadline()
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	headers := map[string]string{protocol.SoftwareVersionHeader: ClientVersion}
	if err := wire.WriteFrame(c.w, &wire.Frame{Kind: uint32(wire.KindHeaders), Args: wire.EncodeHeaders(headers)}); err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(c.w, &wire.Frame{Kind: uint32(wire.KindArgs), Args: args}); err != nil {
		return nil, err
	}
	if err := writeBody(); err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(c.w, &wire.Frame{Kind: uint32(wire.KindEnd)}); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, fmt.Errorf("send %s: %w", args[0], err)
	}

	return c.readResponse()
}

func (c *Client) readResponse() (*smart.Response, error) {
	f, err := wire.ReadFrame(c.r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if f.FrameKind() != wire.KindArgs {
		return nil, fmt.Errorf("response starts with %s frame", f.FrameKind())
	}
	resp := &smart.Response{Success: f.Success, Args: f.Args}

	for {
		f, err := wire.ReadFrame(c.r)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		switch f.FrameKind() {
		case wire.KindBody, wire.KindChunk:
			resp.Body = append(resp.Body, f.Data...)
		case wire.KindEnd:
			return resp, nil
		case wire.KindError:
			return smart.Failure(f.Args...).WithBody(resp.Body), nil
		default:
			return nil, fmt.Errorf("unexpected %s frame in response", f.FrameKind())
		}
	}
}
