package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/relaysmith/nodebroker/internal/node"
	"github.com/relaysmith/nodebroker/internal/pairing"
	"github.com/relaysmith/nodebroker/internal/protocol"
	"github.com/relaysmith/nodebroker/internal/transfer"
)

// Re-export node types for convenience.
type InvokeRequest = node.InvokeRequest
type InvokeResult = node.InvokeResult

// GatewayConfig configures the gateway.
type GatewayConfig struct {
	Port         int
	Bind         string // "loopback" or "lan"
	AuthToken    string
	TickInterval time.Duration
	Limits       protocol.Limits  // zero value means protocol.DefaultLimits()
	RateLimit    float64          // new-connection rate cap; 0 disables
	PairingSvc   *pairing.Service // optional — nil disables device pairing
}

// NodeSummary is one connected node in a StatsSnapshot.
type NodeSummary struct {
	NodeID        string `json:"nodeId"`
	DisplayName   string `json:"displayName,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Version       string `json:"version,omitempty"`
	RemoteIP      string `json:"remoteIp,omitempty"`
	ConnectedAtMs int64  `json:"connectedAtMs"`
}

// StatsSnapshot is the point-in-time broker state served from /stats.
type StatsSnapshot struct {
	Nodes           []NodeSummary `json:"nodes"`
	PendingInvokes  int           `json:"pendingInvokes"`
	InflightBytes   int64         `json:"inflightBytes"`
	TransfersActive int           `json:"transfersActive"`
}

// Gateway is the top-level orchestrator that ties together the WebSocket
// server, node registry, invocation table, and chunked-transfer engine.
type Gateway struct {
	config   GatewayConfig
	limits   protocol.Limits
	server   *Server
	registry *node.Registry
	invoker  *node.Invoker
	engine   *transfer.Engine
	conns    map[*Conn]bool
	connsMu  sync.Mutex
}

// New creates and wires up a new Gateway.
func New(config GatewayConfig) (*Gateway, error) {
	reg := node.NewRegistry()
	inv := node.NewInvoker(reg)
	eng := transfer.NewEngine(inv)
	inv.SetTransferCanceller(eng)

	limits := config.Limits
	if limits.MaxPayloadBytes == 0 && limits.MaxInvokeResultBytes == 0 && limits.MaxInflightBytes == 0 {
		limits = protocol.DefaultLimits()
	}

	gw := &Gateway{
		config:   config,
		limits:   limits,
		registry: reg,
		invoker:  inv,
		engine:   eng,
		conns:    make(map[*Conn]bool),
	}

	authCfg := AuthConfig{Mode: "none"}
	if config.AuthToken != "" {
		authCfg = AuthConfig{Mode: "token", Token: config.AuthToken}
	}

	gw.server = NewServer(ServerConfig{
		Port:            config.Port,
		Bind:            config.Bind,
		Auth:            authCfg,
		PairingSvc:      config.PairingSvc,
		RateLimit:       config.RateLimit,
		MaxMessageBytes: limits.MaxPayloadBytes + 4*1024,
		Stats:           gw.statsSnapshot,
	}, gw)
	return gw, nil
}

// statsSnapshot collects the broker state served from /stats.
func (gw *Gateway) statsSnapshot() any {
	sessions := gw.registry.List()
	nodes := make([]NodeSummary, 0, len(sessions))
	for _, s := range sessions {
		nodes = append(nodes, NodeSummary{
			NodeID:        s.NodeID,
			DisplayName:   s.DisplayName,
			Platform:      s.Platform,
			Version:       s.Version,
			RemoteIP:      s.RemoteIP,
			ConnectedAtMs: s.ConnectedAtMs,
		})
	}
	return StatsSnapshot{
		Nodes:           nodes,
		PendingInvokes:  gw.invoker.PendingCount(),
		InflightBytes:   gw.engine.InflightBytes(),
		TransfersActive: gw.engine.ActiveCount(),
	}
}

// Run starts the gateway server and tick loop. Blocks until ctx is cancelled.
func (gw *Gateway) Run(ctx context.Context) error {
	if gw.config.TickInterval > 0 {
		go gw.tickLoop(ctx)
	}
	return gw.server.ListenAndServe(ctx)
}

// Invoke dispatches a command to a connected node and waits for its result.
func (gw *Gateway) Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error) {
	PendingInvokes.Inc()
	defer PendingInvokes.Dec()
	return gw.invoker.Invoke(ctx, req)
}

// Invoker returns the gateway's invoker for external use (e.g. Discord bot).
func (gw *Gateway) Invoker() *node.Invoker { return gw.invoker }

// Registry returns the gateway's node registry for external use.
func (gw *Gateway) Registry() *node.Registry { return gw.registry }

// Engine returns the chunked-transfer engine, for gauge reporting.
func (gw *Gateway) Engine() *transfer.Engine { return gw.engine }

// Limits returns the payload/transfer limits the gateway enforces.
func (gw *Gateway) Limits() protocol.Limits { return gw.limits }

// PairingSvc returns the gateway's pairing service for external use (e.g. Discord bot).
func (gw *Gateway) PairingSvc() *pairing.Service { return gw.config.PairingSvc }

// Shutdown sends a shutdown event to all connections and gracefully stops the server.
func (gw *Gateway) Shutdown(ctx context.Context) error {
	gw.broadcast("shutdown", nil)
	return gw.server.Shutdown(ctx)
}

// --- ConnHandler implementation ---

func (gw *Gateway) OnAuthenticated(conn *Conn) error {
	if conn.ConnectParams == nil {
		return nil
	}
	params := conn.ConnectParams
	role := params.Role
	if role == "" {
		role = "node"
	}
	// Only register node sessions; operator sessions should not receive node commands.
	if role != "node" {
		return nil
	}

	// A verified device identity wins over the self-declared client id.
	nodeID := params.Client.ID
	if conn.DeviceID != "" {
		nodeID = conn.DeviceID
	} else if params.Device != nil && params.Device.ID != "" {
		nodeID = params.Device.ID
	}

	session := node.NewNodeSession(nodeID, conn.ConnID, node.NodeMetadata{
		DisplayName: params.Client.DisplayName,
		Platform:    params.Client.Platform,
		Version:     params.Client.Version,
		Fingerprint: conn.DeviceID,
		RemoteIP:    conn.RemoteAddr(),
		Caps:        params.Caps,
		Commands:    params.Commands,
		Permissions: params.Permissions,
		PathEnv:     params.PathEnv,
	}, func(event string, payload any) error {
		IncMessageOut()
		return conn.SendEvent(event, payload)
	})

	// The newcomer wins: the replaced session's outstanding invokes and
	// transfers are torn down with NOT_CONNECTED before any new work starts.
	if replaced := gw.registry.Register(session); replaced != nil {
		gw.invoker.CancelPendingForNode(replaced.NodeID)
	}

	gw.connsMu.Lock()
	gw.conns[conn] = true
	gw.connsMu.Unlock()

	return nil
}

func (gw *Gateway) OnRequest(conn *Conn, req *protocol.RequestFrame) error {
	switch req.Method {
	case "node.invoke.result":
		var result protocol.NodeInvokeResult
		if req.Params != nil {
			if err := json.Unmarshal(req.Params, &result); err != nil {
				conn.Respond(req.ID, false, nil, &protocol.ErrorShape{
					Code: protocol.ErrCodeInvalidRequest, Message: "invalid invoke result",
				})
				return nil
			}
		}
		if result.PayloadTransfer != nil {
			pt := result.PayloadTransfer
			res := gw.engine.Start(result.ID, result.NodeID, pt.TotalBytes, pt.ChunkBytes, pt.ChunkCount, pt.SHA256, transfer.Limits{
				MaxInvokeResultBytes: gw.limits.MaxInvokeResultBytes,
				MaxInflightBytes:     gw.limits.MaxInflightBytes,
			})
			gw.respondTransfer(conn, req.ID, res)
		} else {
			handled := gw.invoker.HandleResult(result)
			conn.Respond(req.ID, true, map[string]any{"handled": handled}, nil)
		}
		gw.updateTransferGauges()

	case "node.invoke.result.chunk":
		var chunk protocol.NodeInvokeResultChunk
		if req.Params != nil {
			if err := json.Unmarshal(req.Params, &chunk); err != nil {
				conn.Respond(req.ID, false, nil, &protocol.ErrorShape{
					Code: protocol.ErrCodeInvalidRequest, Message: "invalid chunk",
				})
				return nil
			}
		}
		res := gw.engine.Chunk(chunk.ID, chunk.NodeID, chunk.Index, chunk.Data, chunk.Bytes)
		gw.respondTransfer(conn, req.ID, res)
		gw.updateTransferGauges()

	case "node.invoke.result.abort":
		var abort protocol.NodeInvokeResult
		if req.Params != nil {
			if err := json.Unmarshal(req.Params, &abort); err != nil {
				conn.Respond(req.ID, false, nil, &protocol.ErrorShape{
					Code: protocol.ErrCodeInvalidRequest, Message: "invalid abort",
				})
				return nil
			}
		}
		handled := gw.invoker.AbortInvokeResultTransfer(abort.ID, abort.NodeID, abort.Error)
		conn.Respond(req.ID, true, map[string]any{"handled": handled}, nil)
		gw.updateTransferGauges()
	}
	return nil
}

// respondTransfer maps a transfer engine result onto the node's request frame.
func (gw *Gateway) respondTransfer(conn *Conn, reqID string, res transfer.Result) {
	if res.OK {
		conn.Respond(reqID, true, map[string]any{"reason": res.Reason}, nil)
		return
	}
	conn.Respond(reqID, false, map[string]any{"reason": res.Reason}, &protocol.ErrorShape{
		Code: protocol.ErrCodeInvalidRequest, Message: res.Reason,
	})
}

func (gw *Gateway) updateTransferGauges() {
	InflightBytes.Set(float64(gw.engine.InflightBytes()))
	TransfersActive.Set(float64(gw.engine.ActiveCount()))
}

func (gw *Gateway) OnDisconnected(conn *Conn) {
	gw.connsMu.Lock()
	delete(gw.conns, conn)
	gw.connsMu.Unlock()

	if conn.ConnID != "" {
		nodeID, ok := gw.registry.Unregister(conn.ConnID)
		if ok {
			gw.invoker.CancelPendingForNode(nodeID)
			gw.updateTransferGauges()
		}
	}
}

// --- tick & broadcast ---

func (gw *Gateway) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(gw.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.broadcast("tick", map[string]any{"ts": time.Now().Unix()})
		}
	}
}

func (gw *Gateway) broadcast(event string, payload any) {
	gw.connsMu.Lock()
	conns := make([]*Conn, 0, len(gw.conns))
	for c := range gw.conns {
		conns = append(conns, c)
	}
	gw.connsMu.Unlock()

	for _, c := range conns {
		c.SendEvent(event, payload)
	}
}
