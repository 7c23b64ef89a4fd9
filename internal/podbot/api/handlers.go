package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/podbot/internal/podbot/observability"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 * 1024

const sendMessageSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string", "minLength": 1, "maxLength": 16000}
  },
  "additionalProperties": false
}`

var sendMessageValidator = jsonschema.MustCompileString("podbot://send-message.json", sendMessageSchema)

// SendMessageRequest is the body of POST .../messages.
type SendMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.ListSessions(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, "list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.svc.CreateSession(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLoadConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.LoadConversation(r.Context(), r.PathValue("user"), r.PathValue("session"))
	if err != nil {
		s.fail(w, r, "load conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if !s.limiter.Allow(user) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many messages, slow down")
		return
	}

	req, err := decodeSendMessage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	conv, err := s.svc.SendMessage(r.Context(), user, r.PathValue("session"), req.Message)
	if err != nil {
		s.fail(w, r, "send message", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearSession(r.Context(), r.PathValue("user"), r.PathValue("session")); err != nil {
		s.fail(w, r, "clear session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	facts, err := s.svc.ListMemories(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, r, "list memories", err)
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

// decodeSendMessage reads the body once, validates it against the schema and
// then decodes it into the typed request.
func decodeSendMessage(r *http.Request) (SendMessageRequest, error) {
	var req SendMessageRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return req, errors.New("could not read request body")
	}
	if len(body) > maxBodyBytes {
		return req, errors.New("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return req, errors.New("request body is not valid JSON")
	}
	if dec.More() {
		return req, errors.New("request body must be a single JSON object")
	}
	if err := sendMessageValidator.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return req, errors.New("invalid request: " + leafMessage(verr))
		}
		return req, errors.New("invalid request")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.New("request body is not valid JSON")
	}
	return req, nil
}

// leafMessage returns the most specific cause of a schema violation.
func leafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if verr.InstanceLocation == "" {
		return verr.Message
	}
	return verr.InstanceLocation + ": " + verr.Message
}

// fail logs err with the request's trace id and writes the mapped response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code, msg := classify(err)
	logger := observability.WithTraceLogger(r.Context(), s.logger).With(
		"op", op,
		"user_id", r.PathValue("user"),
		"status", status,
		"code", code,
		"err", err,
	)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Warn("request rejected")
	}
	writeError(w, status, code, msg)
}
