package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns a handler serving the stream setup and post paths and the
// duplex path
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get(s.setupPath, func(w http.ResponseWriter, req *http.Request) {
		if err := s.HandleSetupRequest(w, req); err != nil {
			s.logger.Debug("stream session ended: %s", err)
		}
	})
	post := func(w http.ResponseWriter, req *http.Request) {
		result, err := s.HandlePostMessage(w, req)
		if err != nil {
			s.logger.Warn("failed to handle message for session %s: %s", s.GetSessionID(req), err)
			return
		}
		if result.WasToolCall && result.ToolCall != nil {
			s.logger.Trace("tool call %s (message %s)", result.ToolCall.Name, result.MessageID)
		}
	}
	r.Post(s.postPath, post)
	if s.duplexPath != s.postPath {
		r.Post(s.duplexPath, post)
	}
	r.Delete(s.duplexPath, func(w http.ResponseWriter, req *http.Request) {
		if err := s.HandleDeleteRequest(w, req); err != nil {
			s.logger.Warn("failed to delete session %s: %s", s.GetSessionID(req), err)
		}
	})
	return r
}
