// Package workerservice is the worker-side network frontend for C5/C7:
// it accepts the long-lived, multiplexed connection pkg/messenger (C2)
// dials from the controller, decodes each framed request in sequence,
// drives pkg/workerrequest.Engine, and writes back exactly one reply
// frame per request before reading the next — mirroring the strict
// write-then-read-reply protocol messenger's connector already assumes
// on the client side. It is the worker-side counterpart of
// pkg/controllerrequest, the way pkg/taskrunner is the worker-side
// counterpart of pkg/czar's dispatcher.
package workerservice

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/siddontang/loggers"

	"github.com/qserv/replica/pkg/controllerrequest"
	"github.com/qserv/replica/pkg/replica"
	"github.com/qserv/replica/pkg/wire"
	"github.com/qserv/replica/pkg/workerrequest"
)

// Server drives one workerrequest.Engine over framed connections.
type Server struct {
	engine *workerrequest.Engine
	logger loggers.Advanced
}

// New returns a Server fronting engine.
func New(engine *workerrequest.Engine, logger loggers.Advanced) *Server {
	return &Server{engine: engine, logger: logger}
}

// Serve accepts connections on ln until ctx is done or ln is closed. Each
// accepted connection is handled by its own goroutine for the
// connection's whole lifetime, since one controller connector keeps one
// connection open indefinitely.
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
	for {
		env, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warnf("workerservice: read frame: %v", err)
			}
			return
		}

		reply, err := s.dispatch(env)
		if err != nil {
			s.logger.Warnf("workerservice: handle %s request %d: %v", env.Kind, env.ID, err)
			return
		}
		if err := wire.WriteFrame(conn, reply); err != nil {
			s.logger.Warnf("workerservice: write reply: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(env wire.Envelope) (wire.Envelope, error) {
	switch env.Kind {
	case wire.KindReplicaSubmit:
		return s.handleSubmit(env)
	case wire.KindRequestStatus:
		return s.handleStatus(env)
	case wire.KindRequestStop:
		return s.handleStop(env)
	case wire.KindService:
		return s.handleService(env)
	default:
		return wire.Envelope{}, wire.ErrUnknownKind
	}
}

func (s *Server) handleSubmit(env wire.Envelope) (wire.Envelope, error) {
	var submit controllerrequest.SubmitPayload
	if err := wire.Decode(env.Body, &submit); err != nil {
		return wire.Envelope{}, err
	}

	req := &workerrequest.Request{
		ID:              submit.ID,
		Type:            submit.Type,
		Priority:        submit.Priority,
		Database:        submit.Database,
		Chunk:           submit.Chunk,
		SourceWorker:    submit.SourceWorker,
		ComputeChecksum: submit.ComputeChecksum,
		EchoData:        submit.EchoData,
	}
	if err := s.engine.Submit(req); err != nil {
		return replyEnvelope(env.ID, controllerrequest.ReplyPayload{ID: submit.ID, Err: err.Error()})
	}
	return replyEnvelope(env.ID, controllerrequest.ReplyPayload{ID: submit.ID, State: req.State()})
}

func (s *Server) handleStatus(env wire.Envelope) (wire.Envelope, error) {
	var status controllerrequest.StatusPayload
	if err := wire.Decode(env.Body, &status); err != nil {
		return wire.Envelope{}, err
	}
	return replyEnvelope(env.ID, s.replyFor(status.ID))
}

func (s *Server) handleStop(env wire.Envelope) (wire.Envelope, error) {
	var stop controllerrequest.StopPayload
	if err := wire.Decode(env.Body, &stop); err != nil {
		return wire.Envelope{}, err
	}
	if err := s.engine.Cancel(stop.ID); err != nil {
		return replyEnvelope(env.ID, controllerrequest.ReplyPayload{ID: stop.ID, Err: err.Error()})
	}
	return replyEnvelope(env.ID, s.replyFor(stop.ID))
}

func (s *Server) replyFor(id uint64) controllerrequest.ReplyPayload {
	req, err := s.engine.Status(id)
	if err != nil {
		return controllerrequest.ReplyPayload{ID: id, Err: err.Error()}
	}
	reply := controllerrequest.ReplyPayload{ID: id, State: req.State(), Result: req.Result, AllReplicas: req.AllReplicas, Echo: req.Echo}
	if req.Err != nil {
		reply.Err = req.Err.Error()
	}
	return reply
}

func (s *Server) handleService(env wire.Envelope) (wire.Envelope, error) {
	var payload wire.ServicePayload
	if err := wire.Decode(env.Body, &payload); err != nil {
		return wire.Envelope{}, err
	}

	resp := wire.Response{Status: wire.StatusSuccess}
	switch payload.Op {
	case wire.RequestServiceSuspend:
		s.engine.Suspend()
	case wire.RequestServiceResume:
		s.engine.Resume()
	case wire.RequestServiceDrain:
		s.engine.Drain()
	case wire.RequestServiceStatus:
		resp.ServiceRunning = !s.engine.IsSuspended()
	case wire.RequestServiceRequests:
		resp.ServiceRunning = !s.engine.IsSuspended()
		for _, r := range s.engine.RequestsList() {
			resp.Replicas = append(resp.Replicas, replicaInfoFrom(r.Result))
		}
	default:
		resp.Status = wire.StatusBad
		resp.Message = "workerservice: unknown service op"
	}

	body, err := wire.Encode(resp)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{ID: env.ID, Kind: wire.KindResponse, Body: body}, nil
}

func replicaInfoFrom(info replica.Info) wire.ReplicaInfo {
	out := wire.ReplicaInfo{Worker: info.Worker, Database: info.Database, Chunk: info.Chunk, Verified: info.VerifyTime}
	switch info.Status {
	case replica.Complete:
		out.Status = wire.ReplicaComplete
	case replica.Incomplete:
		out.Status = wire.ReplicaIncomplete
	case replica.Corrupt:
		out.Status = wire.ReplicaCorrupt
	default:
		out.Status = wire.ReplicaNotFound
	}
	for _, f := range info.Files {
		out.Files = append(out.Files, wire.FileInfo{Name: f.Name, Size: uint64(f.Size), MTime: f.MTime, CS: strconv.FormatUint(f.Checksum, 10)})
	}
	return out
}

func replyEnvelope(id uint64, reply controllerrequest.ReplyPayload) (wire.Envelope, error) {
	body, err := wire.Encode(reply)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{ID: id, Kind: wire.KindResponse, Body: body}, nil
}
