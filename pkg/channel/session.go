package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/ws/wsutil"

	"github.com/spooldev/spool/pkg/models"
	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/protocol"
)

// claimWait bounds how long an empty-queue claim stays parked waiting for an
// availability announcement before replying with no runs.
const claimWait = 15 * time.Second

// session is one worker connection. runID is empty on the claim channel.
// Reads happen on the serve goroutine only; writes are serialized because
// NotifyRunCancelled can interleave with reply writes.
type session struct {
	server *Server
	conn   net.Conn
	runID  string
	legacy bool

	writeMu sync.Mutex
	joined  bool
}

func newSession(server *Server, conn net.Conn, runID string, legacy bool) *session {
	return &session{
		server: server,
		conn:   conn,
		runID:  runID,
		legacy: legacy,
	}
}

func (s *session) serve(ctx context.Context) {
	defer func() {
		s.server.unregister(s)

		err := s.conn.Close()
		if err != nil {
			s.server.logger.Debug("failed to close connection", "error", err)
		}
	}()

	for {
		data, err := wsutil.ReadClientText(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.server.logger.Debug("read failed, closing session", "run_id", s.runID, "error", err)
			}

			return
		}

		var frame protocol.Frame

		err = json.Unmarshal(data, &frame)
		if err != nil {
			s.server.logger.Debug("discarding malformed frame", "run_id", s.runID, "error", err)

			continue
		}

		if s.legacy {
			frame = protocol.TranslateLegacy(frame)
		}

		if !s.joined {
			if !s.handleJoin(ctx, frame) {
				return
			}

			continue
		}

		s.dispatch(ctx, frame)
	}
}

// handleJoin authenticates the channel. Any failure refuses the join and
// closes the connection without revealing why.
func (s *session) handleJoin(ctx context.Context, frame protocol.Frame) bool {
	if frame.Event != protocol.EventJoin {
		s.reply(protocol.ErrorReply(frame.Ref, protocol.ErrUnauthorized))

		return false
	}

	var req protocol.JoinRequest

	err := s.decode(frame.Payload, &req)
	if err != nil {
		s.reply(protocol.ErrorReply(frame.Ref, protocol.ErrUnauthorized))

		return false
	}

	if s.runID == "" {
		err = s.server.authority.VerifyWorkerToken(req.Token)
	} else {
		err = s.server.authority.VerifyRunToken(req.Token, s.runID)
	}

	if err != nil {
		s.reply(protocol.ErrorReply(frame.Ref, protocol.ErrUnauthorized))

		return false
	}

	if s.runID != "" {
		// The token proved the worker may know about this run, so a missing
		// run refuses the join as not_found rather than unauthorized.
		_, err := s.server.runs.ProjectForRun(ctx, s.runID)
		if err != nil {
			s.reply(protocol.ErrorReply(frame.Ref, normalizeError(err)))

			return false
		}
	}

	s.joined = true
	s.server.register(s)
	s.reply(protocol.OkReply(frame.Ref, nil))

	return true
}

// dispatch routes one authenticated frame. Unknown events are ignored
// entirely so protocol additions do not break older servers' peers.
func (s *session) dispatch(ctx context.Context, frame protocol.Frame) {
	var (
		response any
		err      error
	)

	switch frame.Event {
	case protocol.EventClaim:
		response, err = s.handleClaim(ctx, frame.Payload)
	case protocol.EventFetchRun:
		response, err = s.handleFetchRun(ctx)
	case protocol.EventFetchDataclip:
		response, err = s.handleFetchDataclip(ctx, frame.Payload)
	case protocol.EventFetchCredential:
		response, err = s.handleFetchCredential(ctx, frame.Payload)
	case protocol.EventRunStart:
		response, err = s.handleRunStart(ctx)
	case protocol.EventRunComplete:
		response, err = s.handleRunComplete(ctx, frame.Payload)
	case protocol.EventStepStart:
		response, err = s.handleStepStart(ctx, frame.Payload)
	case protocol.EventStepComplete:
		response, err = s.handleStepComplete(ctx, frame.Payload)
	case protocol.EventLog:
		response, err = s.handleLog(ctx, frame.Payload)
	default:
		s.server.logger.Debug("ignoring unknown event", "event", frame.Event, "run_id", s.runID)

		return
	}

	if err != nil {
		s.reply(protocol.ErrorReply(frame.Ref, normalizeError(err)))

		return
	}

	s.reply(protocol.OkReply(frame.Ref, response))
}

func (s *session) handleClaim(ctx context.Context, payload json.RawMessage) (any, error) {
	if s.runID != "" {
		return nil, protocol.ErrUnauthorized
	}

	req := protocol.ClaimRequest{Demand: 1}

	err := s.decode(payload, &req)
	if err != nil {
		return nil, err
	}

	claimed, err := s.server.queue.ClaimWait(ctx, req.Demand, claimWait)
	if err != nil {
		return nil, err
	}

	return protocol.ClaimReply{Runs: claimed}, nil
}

func (s *session) handleFetchRun(ctx context.Context) (any, error) {
	if s.runID == "" {
		return nil, protocol.ErrUnauthorized
	}

	return s.server.runs.BuildRunSpec(ctx, s.runID)
}

func (s *session) handleFetchDataclip(ctx context.Context, payload json.RawMessage) (any, error) {
	if s.runID == "" {
		return nil, protocol.ErrUnauthorized
	}

	var req struct {
		ID string `json:"id" validate:"required"`
	}

	err := s.decode(payload, &req)
	if err != nil {
		return nil, err
	}

	return s.server.runs.FetchDataclip(ctx, s.runID, req.ID)
}

func (s *session) handleFetchCredential(ctx context.Context, payload json.RawMessage) (any, error) {
	if s.runID == "" {
		return nil, protocol.ErrUnauthorized
	}

	var req protocol.FetchCredentialRequest

	err := s.decode(payload, &req)
	if err != nil {
		return nil, err
	}

	project, err := s.server.runs.ProjectForRun(ctx, s.runID)
	if err != nil {
		return nil, err
	}

	return s.server.credentials.Materialize(ctx, req.ID, project.ID, false)
}

func (s *session) handleRunStart(ctx context.Context) (any, error) {
	_, err := s.server.runs.StartRun(ctx, s.runID)

	return nil, err
}

func (s *session) handleRunComplete(ctx context.Context, payload json.RawMessage) (any, error) {
	var req protocol.RunCompleteRequest

	err := s.decode(payload, &req)
	if err != nil {
		return nil, err
	}

	_, err = s.server.runs.CompleteRun(ctx, s.runID, req.Reason, req.ErrorType, req.ErrorMessage)

	return nil, err
}

func (s *session) handleStepStart(ctx context.Context, payload json.RawMessage) (any, error) {
	var req protocol.StepStartRequest

	err := s.decode(payload, &req)
	if err != nil {
		return nil, err
	}

	step, err := s.server.runs.StartStep(ctx, s.runID, req)
	if err != nil {
		return nil, err
	}

	return protocol.StepStartReply{StepID: step.ID}, nil
}

func (s *session) handleStepComplete(ctx context.Context, payload json.RawMessage) (any, error) {
	var req protocol.StepCompleteRequest

	err := s.decode(payload, &req)
	if err != nil {
		return nil, err
	}

	step, err := s.server.runs.CompleteStep(ctx, s.runID, req)
	if err != nil {
		return nil, err
	}

	return protocol.StepCompleteReply{StepID: step.ID}, nil
}

func (s *session) handleLog(ctx context.Context, payload json.RawMessage) (any, error) {
	var req protocol.LogRequest

	err := s.decode(payload, &req)
	if err != nil {
		return nil, err
	}

	return nil, s.server.runs.AppendLog(ctx, s.runID, req)
}

// decode unmarshals a payload and applies struct validation, converting the
// first violation into a field-keyed validation error.
func (s *session) decode(payload json.RawMessage, v any) error {
	if len(payload) > 0 {
		err := json.Unmarshal(payload, v)
		if err != nil {
			return models.NewValidationError("payload", "malformed payload")
		}
	}

	err := s.server.validate.Struct(v)
	if err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
			field := fieldErrors[0]

			return models.NewValidationError(field.Field(), validationMessage(field))
		}

		return models.NewValidationError("payload", "invalid payload")
	}

	return nil
}

func validationMessage(field validator.FieldError) string {
	switch field.Tag() {
	case "required":
		return "can't be blank"
	case "min":
		return fmt.Sprintf("must be at least %s", field.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", field.Param())
	default:
		return "is invalid"
	}
}

// normalizeError maps storage sentinels into the wire taxonomy.
func normalizeError(err error) error {
	if persistence.IsNotFound(err) {
		return protocol.ErrNotFound
	}

	return err
}

func (s *session) reply(reply protocol.Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.server.logger.Error("failed to marshal reply", "error", err)

		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = wsutil.WriteServerText(s.conn, data)
	if err != nil {
		s.server.logger.Debug("failed to write reply", "run_id", s.runID, "error", err)
	}
}

// pushCancelled tells a connected worker to stop executing its run.
func (s *session) pushCancelled() error {
	frame := protocol.Frame{Event: protocol.EventRunCancelled}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal cancellation: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = wsutil.WriteServerText(s.conn, data)
	if err != nil {
		return fmt.Errorf("failed to write cancellation: %w", err)
	}

	return nil
}
