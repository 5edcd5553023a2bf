package signal

import (
	"errors"

	"github.com/dkeye/onair/internal/app/callqueue"
	"github.com/dkeye/onair/internal/core"
	"github.com/dkeye/onair/internal/domain"
)

var errNotInBroadcast = errors.New("not in a broadcast")

func (ctl *SignalWSController) handlePing(conn core.SignalConnection) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

// ErrorCode maps core errors onto the codes clients switch on.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyLive):
		return "already_live"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, callqueue.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, domain.ErrInvalidVolume), errors.Is(err, domain.ErrInvalidSourceType),
		errors.Is(err, domain.ErrEmptyID), errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong):
		return "invalid_argument"
	case errors.Is(err, errNotInBroadcast):
		return "not_joined"
	case errors.Is(err, errForbidden):
		return "forbidden"
	}
	return "internal"
}

type errorMessage struct {
	Type           string        `json:"type"`
	Error          string        `json:"error"`
	Message        string        `json:"message,omitempty"`
	Request        string        `json:"request,omitempty"`
	ExistingCallID domain.CallID `json:"existing_call_id,omitempty"`
}

func errorReply(code string, err error, req *string) errorMessage {
	msg := errorMessage{Type: "error", Error: code}
	if err != nil {
		msg.Message = err.Error()
	}
	if req != nil {
		msg.Request = *req
	}
	var dup *domain.DuplicateCallError
	if errors.As(err, &dup) {
		msg.ExistingCallID = dup.ExistingCallID
	}
	return msg
}

func (ctl *SignalWSController) fail(conn core.SignalConnection, request string, err error) {
	ctl.sendJSON(conn, errorReply(ErrorCode(err), err, &request))
}

// broadcastOf returns the broadcast the client is in.
func (ctl *SignalWSController) broadcastOf(sid core.SessionID) (domain.BroadcastID, error) {
	b, ok := ctl.Clients.Registry.BroadcastOf(sid)
	if !ok {
		return "", errNotInBroadcast
	}
	return b, nil
}
