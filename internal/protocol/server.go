package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// MaxMessageSize bounds a single protocol line (1 MiB). Oversize input
// fails the offending request, not the connection.
const MaxMessageSize = 1 << 20

// Handler is the capability surface the server dispatches into. The
// session manager implements it; each method maps to one protocol
// request. Returning a *RequestError selects the wire error code;
// any other error maps to CodeInternalError.
type Handler interface {
	Initialize(params InitializeParams) (InitializeResult, error)
	Authenticate(params AuthenticateParams) error
	NewSession(params NewSessionParams) (NewSessionResult, error)
	LoadSession(params LoadSessionParams) error
	Prompt(ctx context.Context, params PromptParams) (PromptResult, error)
	Cancel(params CancelParams)
}

// Server reads JSON-RPC lines from in, dispatches them to the handler,
// and writes responses to out. Requests are handled in arrival order
// on the read loop, except prompts: those run in their own goroutine
// so a cancel notification can be observed while a prompt is in
// flight.
type Server struct {
	in      io.Reader
	out     io.Writer
	handler Handler
	logger  *zap.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer creates a protocol server over the given streams.
func NewServer(in io.Reader, out io.Writer, handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		in:      in,
		out:     out,
		handler: handler,
		logger:  logger,
	}
}

// Serve runs the read loop until EOF, a scanner error, or ctx
// cancellation, then waits for in-flight prompts to finish.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	buf := make([]byte, MaxMessageSize)
	scanner.Buffer(buf, MaxMessageSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("failed to parse request line", zap.Error(err))
			s.writeError(nil, CodeParseError, "parse error")
			continue
		}
		s.dispatch(ctx, &req)
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("transport read failed: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	switch req.Method {
	case MethodInitialize:
		var params InitializeParams
		if !s.decodeParams(req, &params) {
			return
		}
		result, err := s.handler.Initialize(params)
		s.reply(req.ID, result, err)

	case MethodAuthenticate:
		var params AuthenticateParams
		if !s.decodeParams(req, &params) {
			return
		}
		s.reply(req.ID, struct{}{}, s.handler.Authenticate(params))

	case MethodNewSession:
		var params NewSessionParams
		if !s.decodeParams(req, &params) {
			return
		}
		result, err := s.handler.NewSession(params)
		s.reply(req.ID, result, err)

	case MethodLoadSession:
		var params LoadSessionParams
		if !s.decodeParams(req, &params) {
			return
		}
		s.reply(req.ID, struct{}{}, s.handler.LoadSession(params))

	case MethodPrompt:
		var params PromptParams
		if !s.decodeParams(req, &params) {
			return
		}
		// Prompts run off the read loop so cancellation stays
		// observable. The response id is captured before the
		// goroutine starts.
		id := req.ID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			result, err := s.handler.Prompt(ctx, params)
			s.reply(id, result, err)
		}()

	case MethodCancel:
		var params CancelParams
		if !s.decodeParams(req, &params) {
			return
		}
		// Notification: no response, even on unknown sessions.
		s.handler.Cancel(params)

	default:
		s.writeError(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) decodeParams(req *Request, v any) bool {
	if len(req.Params) == 0 {
		// Absent params decode to struct zero values.
		return true
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		s.writeError(req.ID, CodeInvalidParams, "invalid params: "+err.Error())
		return false
	}
	return true
}

func (s *Server) reply(id *json.Number, result any, err error) {
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			s.writeError(id, reqErr.Code, reqErr.Message)
		} else {
			s.writeError(id, CodeInternalError, err.Error())
		}
		return
	}
	s.write(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id *json.Number, code int, message string) {
	s.write(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	})
}

// write serializes one response line. Writes are serialized so prompt
// goroutines never interleave bytes with the read loop's replies.
func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}
