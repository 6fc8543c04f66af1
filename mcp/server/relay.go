package server

import (
	"context"
	"sync"

	"github.com/agentuity/mcp-server/eventing"
	"github.com/agentuity/mcp-server/mcp/codec"
	"github.com/agentuity/mcp-server/mcp/execution"
	"github.com/agentuity/mcp-server/mcp/transport/sse"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// RelaySubject is the subject a server process listens on for messages,
// results and close requests addressed to the sessions it holds
func RelaySubject(nodeID string) string {
	return "mcp.relay." + nodeID
}

type relayEnvelope struct {
	SessionID string `msgpack:"session"`
	Body      []byte `msgpack:"body,omitempty"`
}

type relay struct {
	server *Server
	client eventing.Client

	mu  sync.Mutex
	sub eventing.Subscriber
}

func newRelay(s *Server, client eventing.Client) *relay {
	return &relay{server: s, client: client}
}

func (r *relay) listen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.client.Subscribe(ctx, RelaySubject(r.server.nodeID), r.handle)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to relay subject")
	}
	r.sub = sub
	return nil
}

func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		_ = r.sub.Close()
		r.sub = nil
	}
}

func (r *relay) forward(ctx context.Context, node, kind string, data []byte) error {
	return r.client.Publish(ctx, RelaySubject(node), data, eventing.WithHeader(execution.HeaderKind, kind))
}

func (r *relay) forwardEnvelope(ctx context.Context, node, kind string, env relayEnvelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode relay envelope")
	}
	return r.forward(ctx, node, kind, data)
}

func (r *relay) forwardMessage(ctx context.Context, node, sessionID string, body []byte) error {
	return r.forwardEnvelope(ctx, node, execution.KindMessage, relayEnvelope{SessionID: sessionID, Body: body})
}

func (r *relay) forwardClose(ctx context.Context, node, sessionID string) error {
	return r.forwardEnvelope(ctx, node, execution.KindClose, relayEnvelope{SessionID: sessionID})
}

func (r *relay) forwardResult(ctx context.Context, node, sessionID, messageID string, value interface{}) error {
	result := execution.NewJobResult(execution.Job{SessionID: sessionID, MessageID: messageID}, value, nil)
	data, err := execution.EncodeResult(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode job result")
	}
	return r.forward(ctx, node, execution.KindResult, data)
}

func (r *relay) handle(ctx context.Context, msg eventing.Message) {
	log := r.server.logger
	switch kind := msg.Headers().Get(execution.HeaderKind); kind {
	case execution.KindResult:
		result, err := execution.DecodeResult(msg.Data())
		if err != nil {
			log.Warn("ignoring relayed result: %s", err)
			return
		}
		r.server.HandleWorkerResponse(ctx, result.SessionID, result.MessageID, result.Value())
	case execution.KindMessage, execution.KindClose:
		var env relayEnvelope
		if err := msgpack.Unmarshal(msg.Data(), &env); err != nil {
			log.Warn("ignoring relayed %s: %s", kind, err)
			return
		}
		t, ok := r.server.manager.GetTransport(env.SessionID)
		if !ok {
			log.Debug("relayed %s for session %s which is not held here", kind, env.SessionID)
			return
		}
		if kind == execution.KindClose {
			r.server.teardown(ctx, env.SessionID, t)
			return
		}
		st, ok := t.(*sse.Transport)
		if !ok {
			log.Warn("relayed message for session %s which is not a stream session", env.SessionID)
			return
		}
		message, err := codec.Decode(env.Body)
		if err != nil {
			log.Warn("ignoring relayed message for session %s: %s", env.SessionID, err)
			return
		}
		st.Dispatch(message)
	default:
		log.Warn("ignoring relay message of unknown kind %q", kind)
	}
}
