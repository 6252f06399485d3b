package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neo/debatearena_backend/internal/bus"
	"github.com/neo/debatearena_backend/internal/database"
	"github.com/neo/debatearena_backend/internal/logging"
	"github.com/neo/debatearena_backend/internal/types"
)

// Discriminated request failures
var (
	ErrAgentNotConnected = errors.New("agent not connected")
	ErrRequestTimeout    = errors.New("agent request timed out")
	ErrInvalidResponse   = errors.New("invalid agent response")
)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

const (
	pingInterval      = 30 * time.Second
	defaultTimeout    = 60 * time.Second
	maxTimeoutCeiling = 120 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Agents connect from arbitrary networks
	},
}

// QueueService is the matchmaker surface reachable from the agent
// socket. Wired after construction to break the dependency cycle.
type QueueService interface {
	Join(agentID, ownerID string, stake int64, presetID string) (queueIDs []string, presetIDs []string, err error)
	Leave(agentID string) bool
}

// agentConn is one locally connected agent socket
type agentConn struct {
	agent   *database.Agent
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *agentConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *agentConn) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.conn.Close()
}

// Router accepts inbound agent connections, brokers per-turn
// request/response exchanges for the orchestrator, and routes requests
// to the replica owning the target agent's socket.
type Router struct {
	db        database.Store
	bus       bus.Bus
	replicaID string

	queueMu sync.RWMutex
	queue   QueueService

	connsMu sync.RWMutex
	conns   map[string]*agentConn // agent id -> local socket

	pending *pendingTable

	ctx        context.Context
	cancel     context.CancelFunc
	maxTimeout time.Duration
}

// NewRouter creates an agent connection router for this replica
func NewRouter(db database.Store, b bus.Bus, replicaID string, timeoutCeiling time.Duration) *Router {
	if timeoutCeiling <= 0 {
		timeoutCeiling = maxTimeoutCeiling
	}
	return &Router{
		db:         db,
		bus:        b,
		replicaID:  replicaID,
		conns:      make(map[string]*agentConn),
		pending:    newPendingTable(),
		maxTimeout: timeoutCeiling,
	}
}

// SetQueueService wires the matchmaker in after construction
func (r *Router) SetQueueService(q QueueService) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	r.queue = q
}

func (r *Router) queueService() QueueService {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	return r.queue
}

// Start launches the ping loop and the cross-replica inbox listener
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	inbox, cancelInbox, err := r.bus.Subscribe(r.ctx, bus.ReplicaInbox(r.replicaID))
	if err != nil {
		return fmt.Errorf("failed to subscribe to replica inbox: %v", err)
	}

	go r.inboxLoop(inbox, cancelInbox)
	go r.pingLoop()
	return nil
}

// Stop shuts the router down
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	for _, ac := range r.conns {
		ac.conn.Close()
	}
	r.conns = make(map[string]*agentConn)
}

// HandleAgentSocket is the gin handler for GET /ws/agent/:token
func (r *Router) HandleAgentSocket(c *gin.Context) {
	token := c.Param("token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.LogRouterEvent("upgrade_failed", "", map[string]interface{}{"error": err.Error()})
		return
	}

	if !tokenPattern.MatchString(token) {
		ac := &agentConn{conn: ws}
		ac.closeWithCode(types.CloseInvalidURL, "invalid connection URL")
		return
	}

	agent, err := r.db.GetAgentByToken(token)
	if err != nil {
		ac := &agentConn{conn: ws}
		ac.closeWithCode(types.CloseInvalidToken, "invalid token")
		return
	}

	ac := &agentConn{agent: agent, conn: ws}

	r.connsMu.Lock()
	if old, ok := r.conns[agent.ID]; ok {
		old.closeWithCode(types.CloseReplaced, "replaced by new connection")
	}
	r.conns[agent.ID] = ac
	r.connsMu.Unlock()

	r.refreshOwnership(agent.ID)

	if err := ac.writeJSON(Connected{Type: MsgConnected, BotID: agent.ID, BotName: agent.Name}); err != nil {
		logging.LogRouterEvent("welcome_failed", agent.ID, map[string]interface{}{"error": err.Error()})
	}

	logging.LogRouterEvent("agent_connected", agent.ID, map[string]interface{}{
		"agent_name": agent.Name,
		"replica_id": r.replicaID,
	})

	r.readLoop(ac)
}

// refreshOwnership asserts this replica as the agent's socket owner
func (r *Router) refreshOwnership(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.SetKey(ctx, bus.AgentConnectedKey(agentID), r.replicaID, bus.AgentConnectedTTL); err != nil {
		logging.LogRouterEvent("ownership_refresh_failed", agentID, map[string]interface{}{"error": err.Error()})
	}
}

// readLoop consumes one agent's messages until the socket drops
func (r *Router) readLoop(ac *agentConn) {
	agentID := ac.agent.ID
	defer r.dropConn(ac)

	for {
		_, data, err := ac.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.LogRouterEvent("agent_socket_error", agentID, map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg AgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ac.writeJSON(ErrorMessage{Type: MsgError, Code: types.CodeInvalidMessage, Message: "malformed JSON"})
			continue
		}

		switch msg.Type {
		case MsgPong:
			r.refreshOwnership(agentID)

		case MsgDebateResponse:
			r.handleResponse(agentID, &msg)

		case MsgResponseChunk:
			// Streaming delivery is reserved; chunks are accepted and
			// ignored until the final debate_response arrives.

		case MsgQueueJoin:
			r.handleQueueJoin(ac, &msg)

		case MsgQueueLeave:
			r.handleQueueLeave(ac)

		default:
			ac.writeJSON(ErrorMessage{Type: MsgError, Code: types.CodeInvalidMessage, Message: fmt.Sprintf("unknown message type: %s", msg.Type)})
		}
	}
}

// handleResponse resolves a debate_response against the pending table,
// or publishes it for the originating replica when the request came in
// over the bus and was already resolved there.
func (r *Router) handleResponse(agentID string, msg *AgentMessage) {
	resp := &Response{Message: msg.Message, Confidence: msg.Confidence}

	result := pendingResult{response: resp}
	if err := ValidateResponse(resp); err != nil {
		result = pendingResult{err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}

	if r.pending.resolve(msg.RequestID, result) {
		return
	}

	// No local pending entry: either the request originated on another
	// replica, or it already timed out. Publish; stale ids have no
	// subscriber and the message evaporates.
	envelope := busEnvelope{Type: busAgentResponse, RequestID: msg.RequestID, Response: resp}
	if result.err != nil {
		envelope.Response = nil
		envelope.Error = result.err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, bus.AgentResponseChannel(msg.RequestID), envelope.encode()); err != nil {
		logging.LogRouterEvent("response_publish_failed", agentID, map[string]interface{}{
			"request_id": msg.RequestID,
			"error":      err.Error(),
		})
	}
}

func (r *Router) handleQueueJoin(ac *agentConn, msg *AgentMessage) {
	q := r.queueService()
	if q == nil {
		ac.writeJSON(QueueError{Type: MsgQueueError, Error: "matchmaking unavailable"})
		return
	}

	queueIDs, presetIDs, err := q.Join(ac.agent.ID, ac.agent.OwnerID, msg.Stake, msg.PresetID)
	if err != nil {
		ac.writeJSON(QueueError{Type: MsgQueueError, Error: err.Error()})
		return
	}
	ac.writeJSON(QueueJoined{Type: MsgQueueJoined, QueueIDs: queueIDs, Stake: msg.Stake, PresetIDs: presetIDs})
}

func (r *Router) handleQueueLeave(ac *agentConn) {
	if q := r.queueService(); q != nil {
		q.Leave(ac.agent.ID)
	}
	ac.writeJSON(QueueLeft{Type: MsgQueueLeft})
}

// dropConn removes a disconnected agent and releases its ownership key
// if this replica still holds it.
func (r *Router) dropConn(ac *agentConn) {
	agentID := ac.agent.ID

	r.connsMu.Lock()
	if current, ok := r.conns[agentID]; ok && current == ac {
		delete(r.conns, agentID)
	} else {
		// Replaced by a newer socket; nothing else to release.
		r.connsMu.Unlock()
		ac.conn.Close()
		return
	}
	r.connsMu.Unlock()

	ac.conn.Close()

	if q := r.queueService(); q != nil {
		q.Leave(agentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if owner, ok, err := r.bus.GetKey(ctx, bus.AgentConnectedKey(agentID)); err == nil && ok && owner == r.replicaID {
		r.bus.DeleteKey(ctx, bus.AgentConnectedKey(agentID))
	}

	logging.LogRouterEvent("agent_disconnected", agentID, map[string]interface{}{"replica_id": r.replicaID})
}

// localConn returns the local socket for an agent, if any
func (r *Router) localConn(agentID string) *agentConn {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return r.conns[agentID]
}

// IsConnectedLocally reports whether this replica owns the agent socket
func (r *Router) IsConnectedLocally(agentID string) bool {
	return r.localConn(agentID) != nil
}

// AgentConnected reports whether the agent is reachable anywhere in the
// fleet: locally, or via an unexpired ownership key on the bus.
func (r *Router) AgentConnected(ctx context.Context, agentID string) bool {
	if r.IsConnectedLocally(agentID) {
		return true
	}
	if !r.bus.Distributed() {
		return false
	}
	_, ok, err := r.bus.GetKey(ctx, bus.AgentConnectedKey(agentID))
	return err == nil && ok
}

// SendRequest obtains one turn from an agent within timeout. The agent
// may be connected to this replica or any other; a missing agent fails
// fast with ErrAgentNotConnected.
func (r *Router) SendRequest(ctx context.Context, agentID string, req *DebateRequest, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > r.maxTimeout {
		timeout = r.maxTimeout
	}

	req.Type = MsgDebateRequest
	req.RequestID = uuid.New().String()
	req.TimeLimitSeconds = int(timeout / time.Second)

	if ac := r.localConn(agentID); ac != nil {
		return r.sendLocal(ctx, ac, req, timeout)
	}

	if !r.bus.Distributed() {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotConnected)
	}

	owner, ok, err := r.bus.GetKey(ctx, bus.AgentConnectedKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to locate agent %s: %v", agentID, err)
	}
	if !ok || owner == r.replicaID {
		// Our own stale key means the socket is already gone.
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotConnected)
	}

	return r.sendRemote(ctx, owner, agentID, req, timeout)
}

// sendLocal writes the request on the local socket and waits
func (r *Router) sendLocal(ctx context.Context, ac *agentConn, req *DebateRequest, timeout time.Duration) (*Response, error) {
	ch := r.pending.register(req.RequestID)

	if err := ac.writeJSON(req); err != nil {
		r.pending.discard(req.RequestID)
		return nil, fmt.Errorf("agent %s: %w", ac.agent.ID, ErrAgentNotConnected)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result.response, result.err
	case <-timer.C:
		r.pending.discard(req.RequestID)
		return nil, fmt.Errorf("request %s: %w", req.RequestID, ErrRequestTimeout)
	case <-ctx.Done():
		r.pending.discard(req.RequestID)
		return nil, ctx.Err()
	}
}

// sendRemote routes the request through the owning replica's inbox and
// waits on the request-scoped reply channel.
func (r *Router) sendRemote(ctx context.Context, owner, agentID string, req *DebateRequest, timeout time.Duration) (*Response, error) {
	replies, cancelSub, err := r.bus.Subscribe(ctx, bus.AgentResponseChannel(req.RequestID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe for reply: %v", err)
	}
	defer cancelSub()

	envelope := busEnvelope{
		Type:           busAgentRequest,
		RequestID:      req.RequestID,
		AgentID:        agentID,
		TimeoutSeconds: int(timeout / time.Second),
		Request:        req,
	}
	if err := r.bus.Publish(ctx, bus.ReplicaInbox(owner), envelope.encode()); err != nil {
		return nil, fmt.Errorf("failed to publish to replica %s: %v", owner, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-replies:
		if !ok {
			return nil, fmt.Errorf("reply channel closed: %w", ErrAgentNotConnected)
		}
		var reply busEnvelope
		if err := json.Unmarshal(payload, &reply); err != nil {
			return nil, fmt.Errorf("%w: malformed reply envelope", ErrInvalidResponse)
		}
		if reply.Error != "" {
			return nil, r.decodeRemoteError(reply.Error)
		}
		if reply.Response == nil {
			return nil, fmt.Errorf("%w: empty reply envelope", ErrInvalidResponse)
		}
		return reply.Response, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s: %w", req.RequestID, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decodeRemoteError maps a remote failure string back onto the local
// sentinel errors so callers branch identically on both paths.
func (r *Router) decodeRemoteError(remote string) error {
	switch {
	case remote == ErrAgentNotConnected.Error():
		return ErrAgentNotConnected
	case remote == ErrRequestTimeout.Error():
		return ErrRequestTimeout
	default:
		return fmt.Errorf("%w: %s", ErrInvalidResponse, remote)
	}
}

// inboxLoop serves cross-replica requests addressed to agents whose
// sockets live on this replica.
func (r *Router) inboxLoop(inbox <-chan []byte, cancelSub func()) {
	defer cancelSub()

	for {
		select {
		case payload, ok := <-inbox:
			if !ok {
				return
			}
			var envelope busEnvelope
			if err := json.Unmarshal(payload, &envelope); err != nil {
				logging.LogBusEvent("inbox_malformed", bus.ReplicaInbox(r.replicaID), map[string]interface{}{"error": err.Error()})
				continue
			}

			switch envelope.Type {
			case busAgentRequest:
				go r.serveRemoteRequest(&envelope)
			case busAgentNotify:
				if ac := r.localConn(envelope.AgentID); ac != nil && envelope.Notify != nil {
					ac.writeJSON(envelope.Notify)
				}
			default:
				logging.LogBusEvent("inbox_unknown_type", bus.ReplicaInbox(r.replicaID), map[string]interface{}{"type": envelope.Type})
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// serveRemoteRequest delivers a foreign request to the local agent
// socket and publishes the outcome on the request's reply channel.
func (r *Router) serveRemoteRequest(envelope *busEnvelope) {
	publish := func(reply busEnvelope) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.bus.Publish(ctx, bus.AgentResponseChannel(envelope.RequestID), reply.encode()); err != nil {
			logging.LogBusEvent("reply_publish_failed", bus.AgentResponseChannel(envelope.RequestID), map[string]interface{}{"error": err.Error()})
		}
	}

	ac := r.localConn(envelope.AgentID)
	if ac == nil || envelope.Request == nil {
		publish(busEnvelope{Type: busAgentResponse, RequestID: envelope.RequestID, Error: ErrAgentNotConnected.Error()})
		return
	}

	timeout := time.Duration(envelope.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ch := r.pending.register(envelope.RequestID)
	if err := ac.writeJSON(envelope.Request); err != nil {
		r.pending.discard(envelope.RequestID)
		publish(busEnvelope{Type: busAgentResponse, RequestID: envelope.RequestID, Error: ErrAgentNotConnected.Error()})
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		reply := busEnvelope{Type: busAgentResponse, RequestID: envelope.RequestID, Response: result.response}
		if result.err != nil {
			reply.Response = nil
			reply.Error = result.err.Error()
		}
		publish(reply)
	case <-timer.C:
		r.pending.discard(envelope.RequestID)
		publish(busEnvelope{Type: busAgentResponse, RequestID: envelope.RequestID, Error: ErrRequestTimeout.Error()})
	case <-r.ctx.Done():
		r.pending.discard(envelope.RequestID)
	}
}

// NotifyDebateComplete sends the end-of-contest notification to an
// agent wherever it is connected. Best-effort; failures are logged.
func (r *Router) NotifyDebateComplete(agentID string, notify *DebateComplete) {
	notify.Type = MsgDebateComplete

	if ac := r.localConn(agentID); ac != nil {
		if err := ac.writeJSON(notify); err != nil {
			logging.LogRouterEvent("notify_failed", agentID, map[string]interface{}{"error": err.Error()})
		}
		return
	}

	if !r.bus.Distributed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	owner, ok, err := r.bus.GetKey(ctx, bus.AgentConnectedKey(agentID))
	if err != nil || !ok || owner == r.replicaID {
		return
	}

	envelope := busEnvelope{Type: busAgentNotify, AgentID: agentID, Notify: notify}
	if err := r.bus.Publish(ctx, bus.ReplicaInbox(owner), envelope.encode()); err != nil {
		logging.LogRouterEvent("notify_publish_failed", agentID, map[string]interface{}{"error": err.Error()})
	}
}

// pingLoop probes every local agent socket on a fixed cadence
func (r *Router) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.connsMu.RLock()
			conns := make([]*agentConn, 0, len(r.conns))
			for _, ac := range r.conns {
				conns = append(conns, ac)
			}
			r.connsMu.RUnlock()

			for _, ac := range conns {
				if err := ac.writeJSON(Ping{Type: MsgPing}); err != nil {
					logging.LogRouterEvent("ping_failed", ac.agent.ID, map[string]interface{}{"error": err.Error()})
					ac.conn.Close() // readLoop observes the close and evicts
				}
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// LocalAgentCount reports how many agent sockets this replica holds
func (r *Router) LocalAgentCount() int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.conns)
}
