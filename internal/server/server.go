package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/completer/internal/completion"
	"github.com/comigor/completer/internal/history"
	"github.com/comigor/completer/internal/llm"
	"github.com/comigor/completer/internal/logger"
)

// Completer is the subset of *completion.Caller used by the handlers.
type Completer interface {
	Complete(ctx context.Context, conv completion.Conversation, opts ...completion.CallOption) (string, error)
}

// CompleteRequest is the JSON body of POST /v1/complete.
type CompleteRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []llm.Message `json:"messages"`
}

// CompleteResponse is returned on success.
type CompleteResponse struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model,omitempty"`
	Content   string `json:"content"`
}

type errorResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// Server exposes a Completer over HTTP.
type Server struct {
	caller       Completer
	journal      *history.Store
	defaultModel string
}

// New creates a Server. journal may be nil.
func New(caller Completer, journal *history.Store, defaultModel string) *Server {
	return &Server{caller: caller, journal: journal, defaultModel: defaultModel}
}

// Routes returns the HTTP handler with every endpoint registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/complete", s.handleComplete)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	// raw text body in, raw text out
	mux.HandleFunc("POST /{$}", s.handleText)
	return mux
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.L.Error("decode request", "request_id", requestID, "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{RequestID: requestID, Error: "malformed JSON body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{RequestID: requestID, Error: "messages must not be empty"})
		return
	}

	content, err := s.complete(r.Context(), requestID, req.Model, req.Messages)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{RequestID: requestID, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CompleteResponse{RequestID: requestID, Model: s.modelOrDefault(req.Model), Content: content})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.L.Error("read body error", "request_id", requestID, "err", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	prompt := strings.TrimSpace(string(body))
	if prompt == "" {
		http.Error(w, "empty request body", http.StatusBadRequest)
		return
	}

	content, err := s.complete(r.Context(), requestID, "", []llm.Message{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		http.Error(w, "failed to process request", statusFor(err))
		return
	}
	w.Header().Set("X-Request-Id", requestID)
	w.Write([]byte(content))
}

func (s *Server) complete(ctx context.Context, requestID, model string, messages []llm.Message) (string, error) {
	logger.L.Info("completion request", "request_id", requestID, "model", s.modelOrDefault(model), "messages", len(messages))

	content, err := s.caller.Complete(ctx, messages, completion.WithModel(model))
	if err != nil {
		logger.L.Error("completion error", "request_id", requestID, "err", err)
		return "", err
	}

	if s.journal != nil {
		now := time.Now().UTC()
		for _, m := range messages {
			s.journal.Save(history.Entry{RequestID: requestID, Model: s.modelOrDefault(model), Role: string(m.Role), Content: m.Content, CreatedAt: now})
		}
		s.journal.Save(history.Entry{RequestID: requestID, Model: s.modelOrDefault(model), Role: string(llm.RoleAssistant), Content: content, CreatedAt: now})
	}
	return content, nil
}

func (s *Server) modelOrDefault(model string) string {
	if model == "" {
		return s.defaultModel
	}
	return model
}

// statusClientClosedRequest is nginx's code for a client that went away.
const statusClientClosedRequest = 499

// statusFor maps cancellation first, then exhausted transient failures to 502
// and everything else to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case llm.KindOf(err).Transient():
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("encode response", "err", err)
	}
}
