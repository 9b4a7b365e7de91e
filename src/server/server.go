// Package server implements the LSP server core: the frame dispatch
// loop, the per-method handlers, the session lifecycle state machine,
// and ownership of the symbol indices and the diagnostic map.
//
// Everything here runs on a single dispatch goroutine. Handlers run to
// completion before the next frame is dispatched, so the indices and
// the diagnostic map never need locking and compiles for the same file
// serialize in arrival order.
package server

import (
	"context"
	"encoding/json"
	"io"

	"capnp-lsp/src/config"
	"capnp-lsp/src/internal/common"
	"capnp-lsp/src/server/compiler"
	"capnp-lsp/src/server/diagnostics"
	"capnp-lsp/src/server/protocol"
	"capnp-lsp/src/server/resolver"
)

// sessionState tracks the server lifecycle:
// Uninitialized -> Initialized -> ShuttingDown -> Exited.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateInitialized
	stateShuttingDown
	stateExited
)

// Server owns the session state, the symbol indices, and the diagnostic
// map. All fields are confined to the dispatch goroutine.
type Server struct {
	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	manager *compiler.Manager
	cfg     *config.Config

	state         sessionState
	workspacePath string
	compilerPath  string
	importPaths   []string

	indices     *resolver.Indices
	diagnostics diagnostics.Map
}

// New creates a Server reading LSP frames from in and writing replies
// and notifications to out. cfg supplies defaults that client
// initializationOptions may override.
func New(in io.Reader, out io.Writer, cfg *config.Config) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Server{
		reader:      protocol.NewFrameReader(in),
		writer:      protocol.NewFrameWriter(out),
		manager:     compiler.NewManager(),
		cfg:         cfg,
		indices:     resolver.NewIndices(),
		diagnostics: make(diagnostics.Map),
	}
}

// Run dispatches frames until EOF, a shutdown request, a malformed
// frame, or ctx cancellation. It always returns nil; only the process
// signals end the server abnormally.
func (s *Server) Run(ctx context.Context) error {
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			payload, err := s.reader.Next()
			if err != nil {
				if err != io.EOF {
					common.ServerLogger.Error("Failed to read frame: %v", err)
				}
				return
			}
			select {
			case frames <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	for s.state != stateShuttingDown {
		select {
		case <-ctx.Done():
			common.ServerLogger.Info("Received shutdown signal")
			s.state = stateShuttingDown
		case payload, ok := <-frames:
			if !ok {
				common.ServerLogger.Info("EOF detected on stdin, initiating shutdown")
				s.state = stateShuttingDown
				break
			}
			s.dispatch(ctx, payload)
		}
	}

	s.state = stateExited
	return nil
}

// dispatch decodes one frame and routes it to its handler. A reply is
// written if and only if the frame carries a numeric id.
func (s *Server) dispatch(ctx context.Context, payload []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		common.ServerLogger.Error("Undecodable frame, shutting down: %v", err)
		s.state = stateShuttingDown
		return
	}

	common.ServerLogger.Debug("Dispatching method %q", msg.Method)

	var result interface{}
	switch msg.Method {
	case "initialize":
		if !msg.IsRequest() {
			common.ServerLogger.Error("Rejecting initialize without a numeric id")
			return
		}
		if s.state != stateUninitialized {
			common.ServerLogger.Error("Rejecting initialize in current state")
			s.replyError(msg.ID, protocol.InvalidRequest, "server is already initialized")
			return
		}
		result = s.handleInitialize(msg.Params)
		s.state = stateInitialized
	case "shutdown":
		if s.state == stateInitialized {
			s.state = stateShuttingDown
		} else {
			common.ServerLogger.Warn("Shutdown requested before initialize")
			s.state = stateShuttingDown
		}
	case "textDocument/definition":
		result = s.handleDefinition(msg.Params)
	case "textDocument/completion":
		result = s.handleCompletion(msg.Params)
	case "textDocument/didOpen":
		s.handleDidOpen(ctx, msg.Params)
	case "textDocument/didSave":
		s.handleDidSave(ctx, msg.Params)
	case "workspace/didChangeWatchedFiles":
		s.handleDidChangeWatchedFiles(ctx, msg.Params)
	case "initialized", "$/setTrace", "$/cancelRequest", "textDocument/didChange":
		common.ServerLogger.Info("Ignoring method %q", msg.Method)
	default:
		common.ServerLogger.Error("Unknown method %q", msg.Method)
		if !msg.IsRequest() {
			return
		}
	}

	if msg.IsRequest() {
		s.reply(msg.ID, result)
	}
}

func (s *Server) reply(id json.RawMessage, result interface{}) {
	_ = s.writer.WriteMessage(protocol.CreateResponse(id, result))
}

func (s *Server) replyError(id json.RawMessage, code int, message string) {
	_ = s.writer.WriteMessage(protocol.CreateErrorResponse(id, code, message))
}

func (s *Server) notify(method string, params interface{}) {
	_ = s.writer.WriteMessage(protocol.CreateNotification(method, params))
}
