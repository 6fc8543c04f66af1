package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/agentuity/mcp-server/mcp/codec"
	"github.com/agentuity/mcp-server/mcp/pending"
	"github.com/agentuity/mcp-server/mcp/session"
	"github.com/agentuity/mcp-server/mcp/transport"
	mcphttp "github.com/agentuity/mcp-server/mcp/transport/http"
	"github.com/agentuity/mcp-server/mcp/transport/sse"
	"github.com/agentuity/mcp-server/mcp/types"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ToolCallInfo describes the tool call found in a posted message
type ToolCallInfo struct {
	Name string `json:"name"`
}

// PostResult tells the caller of HandlePostMessage what was posted and
// whether the exchange has to be completed out of band
type PostResult struct {
	WasToolCall bool
	ToolCall    *ToolCallInfo
	MessageID   string
	// RelaySessionID is set when the response will be delivered later
	// through HandleWorkerResponse
	RelaySessionID      string
	NeedsListToolsRelay bool
}

// Metadata identifies the session and message of a request
type Metadata struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"`
}

type relayBody struct {
	SessionID           string `json:"sessionId"`
	MessageID           string `json:"messageId,omitempty"`
	NeedsRelay          bool   `json:"needsRelay"`
	NeedsListToolsRelay bool   `json:"needsListToolsRelay,omitempty"`
}

// GetSessionID returns the session id carried by the session header, or by
// the sessionId query parameter of stream posts
func (s *Server) GetSessionID(r *http.Request) string {
	if id := r.Header.Get(s.sessionHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(sse.SessionQueryParam)
}

// GetMcpMetadata returns the session id of the request and the id of the
// message in body
func (s *Server) GetMcpMetadata(r *http.Request, body []byte) Metadata {
	md := Metadata{SessionID: s.GetSessionID(r)}
	md.MessageID, _ = codec.ExtractRequestID(body)
	return md
}

// HandleSetupRequest opens a stream session and serves it until the client
// disconnects or the session is closed
func (s *Server) HandleSetupRequest(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	t := s.factory.NewStream()
	if err := s.registerSession(r.Context(), t.SessionID(), t); err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return err
	}
	s.logger.Debug("stream session %s opened", t.SessionID())
	return t.Serve(w, r)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
}

// HandlePostMessage routes a posted message to its session. Stream posts
// carry the session in the query, duplex posts in the session header, and
// a duplex post without a session starts a new session.
func (s *Server) HandlePostMessage(w http.ResponseWriter, r *http.Request) (PostResult, error) {
	var result PostResult
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return result, nil
	}
	body, err := s.readBody(w, r)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return result, err
	}
	info := codec.ParseMethod(body)
	result.WasToolCall = info.IsToolCall
	if info.IsToolCall {
		result.ToolCall = &ToolCallInfo{Name: info.ToolName}
	}
	result.MessageID, _ = codec.ExtractRequestID(body)

	if sessionID := r.URL.Query().Get(sse.SessionQueryParam); sessionID != "" {
		return s.postStream(w, r, sessionID, body, info, result)
	}
	if sessionID := r.Header.Get(s.sessionHeader); sessionID != "" {
		return s.postDuplex(w, r, sessionID, body, result)
	}
	return s.postNewDuplex(w, r, body, info, result)
}

func (s *Server) writeRelay(w http.ResponseWriter, sessionID string, info codec.MethodInfo, result *PostResult) {
	result.RelaySessionID = sessionID
	result.NeedsListToolsRelay = info.IsListTools
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(relayBody{
		SessionID:           sessionID,
		MessageID:           result.MessageID,
		NeedsRelay:          true,
		NeedsListToolsRelay: info.IsListTools,
	})
}

func (s *Server) postStream(w http.ResponseWriter, r *http.Request, sessionID string, body []byte, info codec.MethodInfo, result PostResult) (PostResult, error) {
	ctx := r.Context()
	relayable := s.coordinator.IsQueueMode() && (info.IsToolCall || info.IsListTools)
	affinity := s.manager.Lookup(ctx, sessionID)

	switch affinity.Placement {
	case session.PlacementLocal:
		st, ok := affinity.Transport.(*sse.Transport)
		if !ok {
			http.Error(w, "Session does not use the stream transport", http.StatusMethodNotAllowed)
			return result, nil
		}
		_ = s.manager.Touch(ctx, sessionID)
		if !relayable {
			return result, st.HandleRequest(w, r, body)
		}
		msg, err := codec.Decode(body)
		if err != nil {
			http.Error(w, "Error parsing JSON-RPC message", http.StatusBadRequest)
			return result, err
		}
		s.writeRelay(w, sessionID, info, &result)
		st.Dispatch(msg)
		return result, nil

	case session.PlacementRemote:
		if affinity.Record.Kind != transport.KindStream {
			http.Error(w, "Session does not use the stream transport", http.StatusMethodNotAllowed)
			return result, nil
		}
		if _, err := codec.Decode(body); err != nil {
			http.Error(w, "Error parsing JSON-RPC message", http.StatusBadRequest)
			return result, err
		}
		forwarded := false
		if s.relay != nil && affinity.Record.OwnerNode != s.nodeID {
			if err := s.relay.forwardMessage(ctx, affinity.Record.OwnerNode, sessionID, body); err != nil {
				s.logger.Warn("failed to forward message for session %s to %s: %s", sessionID, affinity.Record.OwnerNode, err)
			} else {
				forwarded = true
			}
		}
		switch {
		case relayable:
			s.writeRelay(w, sessionID, info, &result)
		case forwarded:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte("Accepted"))
		default:
			http.Error(w, "Session not found", http.StatusNotFound)
		}
		return result, nil
	}

	http.Error(w, "Session not found", http.StatusNotFound)
	return result, nil
}

func (s *Server) postDuplex(w http.ResponseWriter, r *http.Request, sessionID string, body []byte, result PostResult) (PostResult, error) {
	ctx := r.Context()
	affinity := s.manager.Lookup(ctx, sessionID)
	var t transport.Transport

	switch affinity.Placement {
	case session.PlacementLocal:
		t = affinity.Transport
	case session.PlacementRemote:
		if affinity.Record.Kind != transport.KindDuplex {
			http.Error(w, "Session does not use the duplex transport", http.StatusMethodNotAllowed)
			return result, nil
		}
		recreated, err := s.recreateDuplex(ctx, sessionID)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				http.Error(w, "Session not found", http.StatusNotFound)
				return result, nil
			}
			http.Error(w, "Failed to restore session", http.StatusInternalServerError)
			return result, err
		}
		t = recreated
	default:
		http.Error(w, "Session not found", http.StatusNotFound)
		return result, nil
	}

	if t.Kind() != transport.KindDuplex {
		http.Error(w, "Session does not use the duplex transport", http.StatusMethodNotAllowed)
		return result, nil
	}
	_ = s.manager.Touch(ctx, sessionID)
	return result, t.HandleRequest(w, r, body)
}

// recreateDuplex rebuilds the transport of a duplex session created by
// another process. Concurrent requests for one session share a single
// recreation.
func (s *Server) recreateDuplex(ctx context.Context, sessionID string) (transport.Transport, error) {
	v, err, _ := s.recreate.Do(sessionID, func() (interface{}, error) {
		if t, ok := s.manager.GetTransport(sessionID); ok {
			return t, nil
		}
		t, err := s.factory.Recreate(ctx, sessionID, s.manager)
		if err != nil {
			return nil, err
		}
		if err := s.registerSession(ctx, sessionID, t); err != nil {
			return nil, err
		}
		s.logger.Info("recreated duplex session %s", sessionID)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.Transport), nil
}

func (s *Server) postNewDuplex(w http.ResponseWriter, r *http.Request, body []byte, info codec.MethodInfo, result PostResult) (PostResult, error) {
	if info.Method != types.MethodInitialize {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return result, nil
	}
	var t *mcphttp.HTTPTransport
	t = s.factory.NewDuplex(func(sessionID string) error {
		return s.registerSession(r.Context(), sessionID, t)
	})
	if err := t.HandleRequest(w, r, body); err != nil {
		return result, err
	}
	if id := t.SessionID(); id != "" {
		s.logger.Debug("duplex session %s opened", id)
	}
	return result, nil
}

// HandleDeleteRequest ends a session. A session held by another process is
// removed from the store and its owner is asked to close it.
func (s *Server) HandleDeleteRequest(w http.ResponseWriter, r *http.Request) error {
	sessionID := s.GetSessionID(r)
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return nil
	}
	ctx := r.Context()
	affinity := s.manager.Lookup(ctx, sessionID)
	switch affinity.Placement {
	case session.PlacementLocal:
		for _, messageID := range s.registry.PendingIDs(sessionID) {
			if s.registry.Reject(sessionID, messageID, pending.ErrSessionClosed) {
				s.logger.Info("session %s deleted while call %s was still awaiting a tool", sessionID, messageID)
			}
		}
		s.teardown(ctx, sessionID, affinity.Transport)
	case session.PlacementRemote:
		s.manager.DestroySession(ctx, sessionID)
		if s.relay != nil && affinity.Record.OwnerNode != "" && affinity.Record.OwnerNode != s.nodeID {
			if err := s.relay.forwardClose(ctx, affinity.Record.OwnerNode, sessionID); err != nil {
				s.logger.Warn("failed to ask %s to close session %s: %s", affinity.Record.OwnerNode, sessionID, err)
			}
		}
	default:
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// HandleWorkerResponse delivers a queued tool result. The result goes to
// the waiting call if there is one, otherwise straight onto the session's
// stream, otherwise to the process owning the session. Each correlation id
// is delivered once; a repeated result is dropped. It returns false when
// the result was dropped.
func (s *Server) HandleWorkerResponse(ctx context.Context, sessionID, messageID string, result interface{}) bool {
	id := pending.NewCorrelationID(sessionID, messageID)
	if s.registry.Resolve(sessionID, messageID, result) {
		return true
	}
	if s.registry.Settled(sessionID, messageID) {
		s.dropped(ctx, id, "result already delivered")
		return false
	}
	if s.deliver(ctx, sessionID, messageID, result) {
		return true
	}
	if s.relay != nil {
		if owner, ok := s.manager.OwnerOf(ctx, sessionID); ok && owner != s.nodeID {
			if err := s.relay.forwardResult(ctx, owner, sessionID, messageID, result); err != nil {
				s.logger.Warn("failed to forward worker result for session %s to %s: %s", sessionID, owner, err)
			} else {
				return true
			}
		}
	}
	s.dropped(ctx, id, "no pending call and no open session")
	return false
}

// deliver sends a result with no pending call onto a stream session held
// by this process
func (s *Server) deliver(ctx context.Context, sessionID, messageID string, result interface{}) bool {
	t, ok := s.manager.GetTransport(sessionID)
	if !ok || t.Kind() != transport.KindStream {
		return false
	}
	response := codec.Response(codec.IDFromString(messageID), codec.FormatResult(result))
	if err := t.Send(ctx, response); err != nil {
		s.logger.Warn("failed to deliver worker result to session %s: %s", sessionID, err)
		return false
	}
	s.registry.MarkSettled(sessionID, messageID)
	return true
}

func (s *Server) dropped(ctx context.Context, id pending.CorrelationID, reason string) {
	s.logger.Warn("dropping worker result for %s: %s", id, reason)
	if s.droppedCounter != nil {
		s.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("mcp.session", id.SessionID)))
	}
	if s.droppedHook != nil {
		s.droppedHook(ctx, id)
	}
}
