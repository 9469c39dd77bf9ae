// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package plan

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/amazon-ion/ion-go/ion"
	"go.uber.org/zap"

	"github.com/SnellerInc/shardql/compr"
	"github.com/SnellerInc/shardql/errcode"
	"github.com/SnellerInc/shardql/vm"
)

// Every message is a frame header followed by an ion
// payload. The header is a little-endian uint32 holding
// the frame kind in the top byte and the payload length
// in the low 24 bits. Payloads larger than the
// compression threshold are zstd-compressed and have
// frameCompressed set in their kind.

type frame uint32

type framekind uint32

const (
	framesize = 4
	maxframe  = (1 << 24) - 1

	// DefaultCompressAbove is the payload size
	// above which frames are compressed.
	DefaultCompressAbove = 4096

	frameCompressed framekind = 0x80
	frameCompression          = "zstd"
)

const (
	// zero frame is invalid
	_ framekind = iota

	// client-to-server frames
	framesetup
	frameinit
	frameget
	frameshutdown

	// server-to-client frames
	frameok
	frameerr
)

func (f frame) kind() framekind {
	return framekind(f>>24) &^ frameCompressed
}

func (f frame) compressed() bool {
	return framekind(f>>24)&frameCompressed != 0
}

func (f frame) length() int {
	return int(f & 0xffffff)
}

func (f frame) put(dst []byte) {
	binary.LittleEndian.PutUint32(dst, uint32(f))
}

func getframe(src []byte) frame {
	return frame(binary.LittleEndian.Uint32(src))
}

func mkframe(kind framekind, size int) frame {
	return frame(uint32(kind<<24) | (uint32(size) & 0xffffff))
}

type setupRequest struct {
	Bundle []byte `ion:"bundle"`
}

type setupResponse struct {
	Engines map[string]string `ion:"engines"`
}

type engineRequest struct {
	Ref      vm.RemoteRef `ion:"ref"`
	AtLeast  int          `ion:"at_least,omitempty"`
	AtMost   int          `ion:"at_most,omitempty"`
	Skipping bool         `ion:"skipping,omitempty"`
	Code     int          `ion:"code,omitempty"`
}

type getResponse struct {
	Block   *vm.BlockWire `ion:"block,omitempty"`
	Skipped int           `ion:"skipped,omitempty"`
}

type shutdownResponse struct {
	Stats vm.Stats `ion:"stats"`
}

// ErrorWire is the payload of an error frame.
type ErrorWire struct {
	Code    int    `ion:"code"`
	Server  string `ion:"server,omitempty"`
	Message string `ion:"message"`
}

// conn reads and writes frames.
type conn struct {
	pipe          io.ReadWriteCloser
	rd            *bufio.Reader
	compressAbove int
	hdr           [framesize]byte
}

func newConn(rw io.ReadWriteCloser, compressAbove int) *conn {
	return &conn{pipe: rw, rd: bufio.NewReader(rw), compressAbove: compressAbove}
}

func (c *conn) write(kind framekind, v any) error {
	buf, err := ion.MarshalBinary(v)
	if err != nil {
		return fmt.Errorf("plan: encoding frame: %w", err)
	}
	if c.compressAbove > 0 && len(buf) > c.compressAbove {
		buf = compr.Pack(compr.Compression(frameCompression), buf, nil)
		kind |= frameCompressed
	}
	if len(buf) > maxframe {
		return fmt.Errorf("plan: frame of %d bytes too large", len(buf))
	}
	mkframe(kind, len(buf)).put(c.hdr[:])
	if _, err := c.pipe.Write(c.hdr[:]); err != nil {
		return err
	}
	_, err = c.pipe.Write(buf)
	return err
}

// read returns the next frame and its
// decompressed payload.
func (c *conn) read() (framekind, []byte, error) {
	if _, err := io.ReadFull(c.rd, c.hdr[:]); err != nil {
		return 0, nil, err
	}
	f := getframe(c.hdr[:])
	buf := make([]byte, f.length())
	if _, err := io.ReadFull(c.rd, buf); err != nil {
		// we're reading data following a frame,
		// so zero bytes of data is never a reasonable
		// amount to return
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	if f.compressed() {
		var err error
		buf, err = compr.Unpack(compr.Decompression(frameCompression), buf)
		if err != nil {
			return 0, nil, err
		}
	}
	return f.kind(), buf, nil
}

type server struct {
	*conn
	srv    *Server
	logger *zap.Logger
}

// Serve serves the engine operations of srv over rw
// until rw.Read returns io.EOF, at which point it
// returns with no error. If it encounters an internal
// error, it closes the pipe and returns the error.
func Serve(rw io.ReadWriteCloser, srv *Server) error {
	s := &server{conn: newConn(rw, DefaultCompressAbove), srv: srv, logger: srv.Logger}
	return s.serve()
}

func (s *server) senderr(err error) error {
	ew := ErrorWire{Code: int(errcode.CodeOf(err)), Server: s.srv.Name, Message: err.Error()}
	var coded *errcode.Error
	if errors.As(err, &coded) && coded.Server != "" {
		ew.Server = coded.Server
	}
	return s.write(frameerr, &ew)
}

func (s *server) serve() error {
	defer s.pipe.Close()
	for {
		kind, buf, err := s.read()
		if err != nil {
			// clean shutdown
			if err == io.EOF {
				return nil
			}
			return err
		}
		resp, err := s.handle(kind, buf)
		if err != nil {
			if errors.Is(err, errUnexpectedFrame) {
				s.senderr(err)
				return err
			}
			if err := s.senderr(err); err != nil {
				return err
			}
			continue
		}
		if err := s.write(frameok, resp); err != nil {
			return err
		}
	}
}

var errUnexpectedFrame = errors.New("unexpected frame")

func (s *server) handle(kind framekind, buf []byte) (any, error) {
	ctx := context.Background()
	if kind == framesetup {
		var req setupRequest
		if err := ion.Unmarshal(buf, &req); err != nil {
			return nil, errcode.Wrapf(errcode.ClusterBadResponse, err, "decoding setup request")
		}
		ids, err := s.srv.Setup(ctx, req.Bundle)
		if err != nil {
			return nil, err
		}
		return &setupResponse{Engines: ids}, nil
	}
	var req engineRequest
	switch kind {
	case frameinit, frameget, frameshutdown:
		if err := ion.Unmarshal(buf, &req); err != nil {
			return nil, errcode.Wrapf(errcode.ClusterBadResponse, err, "decoding request")
		}
	default:
		return nil, fmt.Errorf("%w %x", errUnexpectedFrame, kind)
	}
	switch kind {
	case frameinit:
		return &struct{}{}, s.srv.InitializeCursor(ctx, req.Ref)
	case frameget:
		blk, n, err := s.srv.GetOrSkipSome(ctx, req.Ref, req.AtLeast, req.AtMost, req.Skipping)
		if err != nil {
			return nil, err
		}
		return &getResponse{Block: blk, Skipped: n}, nil
	default:
		stats, err := s.srv.Shutdown(ctx, req.Ref, errcode.Code(req.Code))
		if err != nil {
			return nil, err
		}
		return &shutdownResponse{Stats: stats}, nil
	}
}

// ServeListener accepts connections from l and
// serves each with Serve until Accept fails.
func ServeListener(l net.Listener, srv *Server) error {
	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := Serve(c, srv); err != nil {
				srv.Logger.Warn("connection closed", zap.Stringer("peer", c.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}

// Client issues requests over one connection.
// It is not safe to use from multiple goroutines
// simultaneously.
type Client struct {
	// Server names the peer in errors.
	Server string
	*conn
	broken bool
}

// NewClient returns a client over rw.
func NewClient(server string, rw io.ReadWriteCloser, compressAbove int) *Client {
	return &Client{Server: server, conn: newConn(rw, compressAbove)}
}

// Close closes the underlying pipe.
func (c *Client) Close() error {
	return c.pipe.Close()
}

// call sends one request and decodes the response into resp.
// Errors reported by the peer keep their code; failures of
// the connection are reported as ClusterUnreachable and
// leave the client unusable.
func (c *Client) call(ctx context.Context, kind framekind, req, resp any) error {
	if c.broken {
		return errcode.Newf(errcode.ClusterUnreachable, "connection to %s is broken", c.Server)
	}
	if d, ok := c.pipe.(interface{ SetDeadline(time.Time) error }); ok {
		dl, _ := ctx.Deadline()
		d.SetDeadline(dl)
	}
	if err := c.write(kind, req); err != nil {
		c.broken = true
		return errcode.Wrapf(errcode.ClusterUnreachable, err, "sending to %s", c.Server)
	}
	rkind, buf, err := c.read()
	if err != nil {
		c.broken = true
		return errcode.Wrapf(errcode.ClusterUnreachable, err, "reading from %s", c.Server)
	}
	switch rkind {
	case frameerr:
		var ew ErrorWire
		if err := ion.Unmarshal(buf, &ew); err != nil {
			return errcode.Wrapf(errcode.ClusterBadResponse, err, "decoding error from %s", c.Server)
		}
		if ew.Server == "" {
			ew.Server = c.Server
		}
		return errcode.FromRemote(ew.Server, errcode.Code(ew.Code), ew.Message)
	case frameok:
		if err := ion.Unmarshal(buf, resp); err != nil {
			return errcode.Wrapf(errcode.ClusterBadResponse, err, "decoding response from %s", c.Server)
		}
		return nil
	}
	c.broken = true
	return errcode.Newf(errcode.ClusterBadResponse, "unexpected frame %x from %s", rkind, c.Server)
}

func (c *Client) Setup(ctx context.Context, bundle []byte) (map[string]string, error) {
	var resp setupResponse
	if err := c.call(ctx, framesetup, &setupRequest{Bundle: bundle}, &resp); err != nil {
		return nil, err
	}
	return resp.Engines, nil
}

func (c *Client) InitializeCursor(ctx context.Context, ref vm.RemoteRef) error {
	var resp struct{}
	return c.call(ctx, frameinit, &engineRequest{Ref: ref}, &resp)
}

func (c *Client) GetOrSkipSome(ctx context.Context, ref vm.RemoteRef, atLeast, atMost int, skipping bool) (*vm.BlockWire, int, error) {
	var resp getResponse
	req := &engineRequest{Ref: ref, AtLeast: atLeast, AtMost: atMost, Skipping: skipping}
	if err := c.call(ctx, frameget, req, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Block, resp.Skipped, nil
}

func (c *Client) Shutdown(ctx context.Context, ref vm.RemoteRef, code errcode.Code) (vm.Stats, error) {
	var resp shutdownResponse
	if err := c.call(ctx, frameshutdown, &engineRequest{Ref: ref, Code: int(code)}, &resp); err != nil {
		return vm.Stats{}, err
	}
	return resp.Stats, nil
}

// NetTransport is a Transport over framed
// connections, pooled per server.
type NetTransport struct {
	// Peers maps server names to addresses.
	Peers map[string]string
	// Dial opens connections; if nil a
	// net.Dialer is used.
	Dial          func(ctx context.Context, network, addr string) (net.Conn, error)
	CompressAbove int
	Logger        *zap.Logger

	lock sync.Mutex
	idle map[string][]*Client
}

func (t *NetTransport) get(ctx context.Context, server string) (*Client, error) {
	t.lock.Lock()
	if lst := t.idle[server]; len(lst) > 0 {
		c := lst[len(lst)-1]
		t.idle[server] = lst[:len(lst)-1]
		t.lock.Unlock()
		return c, nil
	}
	t.lock.Unlock()
	addr, ok := t.Peers[server]
	if !ok {
		return nil, errcode.Newf(errcode.ClusterUnreachable, "server %q has no address", server)
	}
	dial := t.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	nc, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, errcode.Wrapf(errcode.ClusterUnreachable, err, "dialing %s", server)
	}
	return NewClient(server, nc, t.CompressAbove), nil
}

func (t *NetTransport) put(server string, c *Client) {
	if c.broken {
		c.Close()
		return
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.idle == nil {
		t.idle = make(map[string][]*Client)
	}
	t.idle[server] = append(t.idle[server], c)
}

func (t *NetTransport) with(ctx context.Context, server string, fn func(c *Client) error) error {
	c, err := t.get(ctx, server)
	if err != nil {
		return err
	}
	err = fn(c)
	if err != nil && c.broken && t.Logger != nil {
		t.Logger.Warn("dropping connection", zap.String("server", server), zap.Error(err))
	}
	t.put(server, c)
	return err
}

// Close closes the idle connections.
func (t *NetTransport) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, lst := range t.idle {
		for _, c := range lst {
			c.Close()
		}
	}
	t.idle = nil
}

func (t *NetTransport) Setup(ctx context.Context, server string, bundle []byte) (ids map[string]string, err error) {
	err = t.with(ctx, server, func(c *Client) error {
		ids, err = c.Setup(ctx, bundle)
		return err
	})
	return ids, err
}

func (t *NetTransport) InitializeCursor(ctx context.Context, ref vm.RemoteRef) error {
	return t.with(ctx, ref.Server, func(c *Client) error {
		return c.InitializeCursor(ctx, ref)
	})
}

func (t *NetTransport) GetOrSkipSome(ctx context.Context, ref vm.RemoteRef, atLeast, atMost int, skipping bool) (blk *vm.BlockWire, n int, err error) {
	err = t.with(ctx, ref.Server, func(c *Client) error {
		blk, n, err = c.GetOrSkipSome(ctx, ref, atLeast, atMost, skipping)
		return err
	})
	return blk, n, err
}

func (t *NetTransport) Shutdown(ctx context.Context, ref vm.RemoteRef, code errcode.Code) (stats vm.Stats, err error) {
	err = t.with(ctx, ref.Server, func(c *Client) error {
		stats, err = c.Shutdown(ctx, ref, code)
		return err
	})
	return stats, err
}
