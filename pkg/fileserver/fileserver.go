// Package fileserver is the worker's bulk-file server (C6): a
// single-purpose, read-only endpoint that streams chunk files to a peer
// worker's REPLICATE operation. It rides the same length-prefixed
// pkg/wire frame codec as the messenger (C2), but one connection carries
// exactly one file transfer rather than a multiplexed request stream.
package fileserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/wire"
)

// DefaultBufferSize is the record size used to stream file contents when
// Config.BufferSize is unset.
const DefaultBufferSize = 256 << 10 // 256KiB

// ErrDatabaseNotAllowed names the case of a request for a database the
// server is not configured to serve. The server does not return it: such
// a request gets the same "not available" answer as a missing file.
var ErrDatabaseNotAllowed = errors.New("fileserver: database not allowed")

// ErrFileNotAvailable is returned by Client.FetchFile when the server
// reports the requested file does not exist.
var ErrFileNotAvailable = errors.New("fileserver: file not available")

// fileRequest is the gob payload of the single request frame a client
// sends to open a transfer.
type fileRequest struct {
	Database string
	File     string
}

// fileHeader is the gob payload of the server's first response frame:
// (available, size) per spec.md §4.6.
type fileHeader struct {
	Available bool
	Size      int64
}

// Config configures a Server.
type Config struct {
	// DataDir is the root directory files are served from, one
	// subdirectory per database.
	DataDir string
	// Databases is the set of database names this server will serve;
	// a request for any other name is refused.
	Databases []string
	// BufferSize is the record size streamed per frame.
	BufferSize int
}

func (c Config) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return DefaultBufferSize
}

func (c Config) allowed(database string) bool {
	for _, d := range c.Databases {
		if d == database {
			return true
		}
	}
	return false
}

// Server is a read-only file-streaming endpoint.
type Server struct {
	cfg    Config
	logger loggers.Advanced
}

// NewServer returns a Server ready to Serve.
func NewServer(cfg Config, logger loggers.Advanced) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Serve accepts connections on ln until ctx is done or ln is closed.
// Each connection serves exactly one file and is then closed by the
// server; per spec.md §4.6 the server does not honor cancellation once
// streaming has started on a given connection; a reader that wants to
// abort simply closes its socket.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	env, err := wire.ReadFrame(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Warnf("fileserver: read request: %v", err)
		}
		return
	}
	var req fileRequest
	if err := wire.Decode(env.Body, &req); err != nil {
		s.logger.Warnf("fileserver: decode request: %v", err)
		return
	}

	path, ok := s.resolvePath(req.Database, req.File)
	if !ok {
		s.respondUnavailable(conn, env.ID)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.respondUnavailable(conn, env.ID)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.respondUnavailable(conn, env.ID)
		return
	}

	hdr, err := wire.Encode(fileHeader{Available: true, Size: fi.Size()})
	if err != nil {
		s.logger.Errorf("fileserver: encode header: %v", err)
		return
	}
	if err := wire.WriteFrame(conn, wire.Envelope{ID: env.ID, Kind: wire.KindFile, Body: hdr}); err != nil {
		return
	}

	buf := make([]byte, s.cfg.bufferSize())
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := wire.WriteFrame(conn, wire.Envelope{ID: env.ID, Kind: wire.KindFile, Body: buf[:n]}); werr != nil {
				return
			}
		}
		if err == io.EOF {
			_ = wire.WriteFrame(conn, wire.Envelope{ID: env.ID, Kind: wire.KindFile, Body: nil})
			return
		}
		if err != nil {
			s.logger.Warnf("fileserver: read %s: %v", path, err)
			return
		}
	}
}

func (s *Server) respondUnavailable(conn net.Conn, id uint64) {
	hdr, err := wire.Encode(fileHeader{Available: false})
	if err != nil {
		return
	}
	_ = wire.WriteFrame(conn, wire.Envelope{ID: id, Kind: wire.KindFile, Body: hdr})
}

// resolvePath validates database against the configured allow-list and
// confirms the resolved file path stays inside DataDir/database with a
// filepath.Clean-plus-prefix check.
func (s *Server) resolvePath(database, file string) (string, bool) {
	if !s.cfg.allowed(database) {
		return "", false
	}
	dbDir := filepath.Join(s.cfg.DataDir, database)
	path := filepath.Join(dbDir, filepath.Clean(string(filepath.Separator)+file))
	if path != dbDir && !strings.HasPrefix(path, dbDir+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

// AddrResolver maps a worker name to its file-server network address.
type AddrResolver func(worker string) (addr string, err error)

// Client fetches files from other workers' file servers.
type Client struct {
	resolve AddrResolver
	dial    func(ctx context.Context, addr string) (net.Conn, error)
}

// NewClient returns a Client resolving worker names to addresses via
// resolve and dialing them with net.Dialer.
func NewClient(resolve AddrResolver) *Client {
	return &Client{
		resolve: resolve,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// NewTLSClient is like NewClient but dials peer file servers over TLS
// using tlsConfig (see dbconn.GetTLSConfigForFileTransfer), for deployments
// where a worker's TLSMode requires encrypted replica-copy traffic between
// workers rather than just to the metadata database.
func NewTLSClient(resolve AddrResolver, tlsConfig *tls.Config) *Client {
	return &Client{
		resolve: resolve,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d tls.Dialer
			d.Config = tlsConfig
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// FetchFile implements workerrequest.FileSource: it opens one connection
// to worker's file server, requests (database, file), and copies the
// streamed contents into w. It satisfies workerrequest.FileSource's
// signature exactly so a *Client can be passed directly to
// workerrequest.New.
func (c *Client) FetchFile(ctx context.Context, worker, database, file string, w io.Writer) (int64, error) {
	addr, err := c.resolve(worker)
	if err != nil {
		return 0, fmt.Errorf("fileserver: resolve %s: %w", worker, err)
	}
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("fileserver: dial %s (%s): %w", worker, addr, err)
	}
	defer conn.Close()

	body, err := wire.Encode(fileRequest{Database: database, File: file})
	if err != nil {
		return 0, err
	}
	if err := wire.WriteFrame(conn, wire.Envelope{ID: 1, Kind: wire.KindFile, Body: body}); err != nil {
		return 0, err
	}

	headerEnv, err := wire.ReadFrame(conn)
	if err != nil {
		return 0, fmt.Errorf("fileserver: read header: %w", err)
	}
	var hdr fileHeader
	if err := wire.Decode(headerEnv.Body, &hdr); err != nil {
		return 0, err
	}
	if !hdr.Available {
		return 0, fmt.Errorf("%w: %s/%s on %s", ErrFileNotAvailable, database, file, worker)
	}

	var total int64
	for {
		env, err := wire.ReadFrame(conn)
		if err != nil {
			return total, fmt.Errorf("fileserver: read data frame: %w", err)
		}
		if len(env.Body) == 0 {
			return total, nil
		}
		n, err := w.Write(env.Body)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
}
