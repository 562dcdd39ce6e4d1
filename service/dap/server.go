// Package dap implements the memory requests of VSCode's Debug Adaptor
// Protocol (DAP), so that frontends with a memory view can inspect and
// edit the memory of a process through memscan. The frontend runs memscan
// in server mode listening on a port and communicates over TCP. Requests
// are processed synchronously, one at a time.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/go-dap"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote"
)

// Server implements a DAP server that can accept a single client for
// a single session. It does not support restarting.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing calls to the
// target and sending back events and responses.
type Server struct {
	// config is all the information necessary to reach the target and serve.
	config *Config
	// listener is used to accept the client connection.
	listener net.Listener
	// mu guards conn, which Stop closes from the main goroutine.
	mu   sync.Mutex
	conn net.Conn
	// stopChan is closed when the server is Stop()-ed.
	stopChan chan struct{}
	// ctx is cancelled by Stop and bounds every call to the target.
	ctx    context.Context
	cancel context.CancelFunc
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	log    logflags.Logger

	// client and proc are set by a successful attach.
	client *remote.Client
	proc   *remote.ProcessInfo
}

// attachArgs are the memscan specific arguments of an attach request.
type attachArgs struct {
	ProcessID   int    `json:"processId"`
	ProcessName string `json:"processName"`
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be
// set; it will be closed by the server when the client disconnects.
// Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	logger.Debug("DAP server pid = ", os.Getpid())
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger,
	}
}

// Stop closes the listener and the client connection and disconnects
// from the target. This method mustn't be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		// Breaks the read loop of the run goroutine.
		s.conn.Close()
	}
	s.mu.Unlock()
}

// signalDisconnect closes config.DisconnectChan if not nil. It can be
// called multiple times but only from the run goroutine.
func (s *Server) signalDisconnect() {
	if s.client != nil {
		if err := s.client.Disconnect(); err != nil {
			s.log.WithError(err).Warn("closing target connection")
		}
		s.client, s.proc = nil, nil
	}
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.serveDAPCodec()
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) && fieldErr.FieldName == "command" {
				// A well formed request go-dap has no type for.
				s.sendUnsupportedErrorResponse(dap.Request{
					ProtocolMessage: dap.ProtocolMessage{Seq: fieldErr.Seq, Type: "request"},
					Command:         fieldErr.FieldValue,
				})
				continue
			}
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
		if _, ok := request.(*dap.DisconnectRequest); ok {
			return
		}
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.AttachRequest:
		s.onAttachRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.ReadMemoryRequest:
		s.onReadMemoryRequest(request)
	case *dap.WriteMemoryRequest:
		s.onWriteMemoryRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case dap.RequestMessage:
		s.sendUnsupportedErrorResponse(*request.GetRequest())
	default:
		// Events and responses from the client.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.log.WithError(err).Error("writing to client")
	}
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsReadMemoryRequest = true
	response.Body.SupportsWriteMemoryRequest = true
	s.send(response)
}

func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	if s.client != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", "already attached")
		return
	}
	var args attachArgs
	if len(request.Arguments) > 0 {
		if err := json.Unmarshal(request.Arguments, &args); err != nil {
			s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
			return
		}
	}
	target := args.ProcessName
	if args.ProcessID > 0 {
		target = strconv.Itoa(args.ProcessID)
	}
	if target == "" {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			"the processId or processName attribute is required")
		return
	}

	client, err := remote.Connect(s.ctx, s.config.Dial, s.config.Addr, s.config.Remote)
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	proc, err := client.FindProcess(s.ctx, target)
	if err != nil {
		client.Disconnect()
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	s.client, s.proc = client, proc
	s.log.WithFields(logflags.Fields{"pid": proc.ID, "name": proc.Name}).Info("attached")

	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
}

// onThreadsRequest answers with no threads: memscan never stops the
// process it inspects.
func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	response := &dap.ThreadsResponse{Response: *newResponse(request.Request)}
	response.Body.Threads = []dap.Thread{}
	s.send(response)
}

// memoryAddress resolves a memory reference, a hexadecimal address, plus
// an offset.
func memoryAddress(ref string, offset int) (uint64, error) {
	addr, err := strconv.ParseUint(ref, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory reference %q", ref)
	}
	if offset < 0 && uint64(-offset) > addr {
		return 0, fmt.Errorf("offset %d before address %#x", offset, addr)
	}
	return addr + uint64(offset), nil
}

// defaultMaxReadSize is the largest readMemory count served when the
// configuration does not set one.
const defaultMaxReadSize = 1 << 20

func (s *Server) maxReadSize() int {
	if s.config.MaxReadSize > 0 {
		return s.config.MaxReadSize
	}
	return defaultMaxReadSize
}

func (s *Server) onReadMemoryRequest(request *dap.ReadMemoryRequest) {
	if s.proc == nil {
		s.sendErrorResponse(request.Request, NotAttached, "Unable to read memory", "not attached to a process")
		return
	}
	args := request.Arguments
	addr, err := memoryAddress(args.MemoryReference, args.Offset)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", err.Error())
		return
	}
	if args.Count < 0 {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", "negative count")
		return
	}
	if limit := s.maxReadSize(); args.Count > limit {
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", fmt.Sprintf("count %d exceeds the limit of %d bytes", args.Count, limit))
		return
	}

	response := &dap.ReadMemoryResponse{Response: *newResponse(request.Request)}
	response.Body.Address = fmt.Sprintf("%#x", addr)
	data, err := s.client.ReadMemory(s.ctx, s.proc.ID, addr, args.Count)
	var rerr *remote.ReadError
	switch {
	case errors.As(err, &rerr):
		// The range is not mapped: all of it is unreadable.
		response.Body.UnreadableBytes = args.Count
	case err != nil:
		s.sendErrorResponse(request.Request, UnableToReadMemory, "Unable to read memory", err.Error())
		return
	default:
		response.Body.Data = base64.StdEncoding.EncodeToString(data)
	}
	s.send(response)
}

func (s *Server) onWriteMemoryRequest(request *dap.WriteMemoryRequest) {
	if s.proc == nil {
		s.sendErrorResponse(request.Request, NotAttached, "Unable to write memory", "not attached to a process")
		return
	}
	args := request.Arguments
	addr, err := memoryAddress(args.MemoryReference, args.Offset)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToWriteMemory, "Unable to write memory", err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(args.Data)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToWriteMemory, "Unable to write memory", "invalid base64 data")
		return
	}
	if err := s.client.WriteMemory(s.ctx, s.proc.ID, addr, data); err != nil {
		s.sendErrorResponse(request.Request, UnableToWriteMemory, "Unable to write memory", err.Error())
		return
	}
	response := &dap.WriteMemoryResponse{Response: *newResponse(request.Request)}
	response.Body.Offset = args.Offset
	response.Body.BytesWritten = len(data)
	s.send(response)
}

func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	if s.client != nil {
		if err := s.client.Disconnect(); err != nil {
			s.log.WithError(err).Warn("closing target connection")
		}
		s.client, s.proc = nil, nil
	}
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:     id,
		Format: fmt.Sprintf("%s: %s", summary, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
