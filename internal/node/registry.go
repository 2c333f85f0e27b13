package node

import (
	"sync"
	"time"
)

// NodeMetadata carries the descriptive attributes a node announces at
// connect time.
type NodeMetadata struct {
	DisplayName string
	Platform    string
	Version     string
	Fingerprint string          // device fingerprint, if declared
	RemoteIP    string          // remote address of the underlying connection
	Caps        []string        // declared capability set
	Commands    []string        // declared command set
	Permissions map[string]bool // declared permission map
	PathEnv     string          // PATH-like string the node reports for exec commands
}

// NodeSession represents a connected node (e.g. a phone, a headless agent
// host) over one live bidirectional connection.
type NodeSession struct {
	NodeID        string
	ConnID        string
	DisplayName   string
	Platform      string
	Version       string
	Fingerprint   string
	RemoteIP      string
	Caps          []string
	Commands      []string
	Permissions   map[string]bool
	PathEnv       string
	ConnectedAtMs int64

	sendFunc func(event string, payload any) error
}

// Send dispatches an event to this node's underlying connection.
func (s *NodeSession) Send(event string, payload any) error {
	return s.sendFunc(event, payload)
}

// NewNodeSession creates a NodeSession with the given send function.
func NewNodeSession(nodeID, connID string, meta NodeMetadata, send func(string, any) error) *NodeSession {
	return &NodeSession{
		NodeID:        nodeID,
		ConnID:        connID,
		DisplayName:   meta.DisplayName,
		Platform:      meta.Platform,
		Version:       meta.Version,
		Fingerprint:   meta.Fingerprint,
		RemoteIP:      meta.RemoteIP,
		Caps:          meta.Caps,
		Commands:      meta.Commands,
		Permissions:   meta.Permissions,
		PathEnv:       meta.PathEnv,
		ConnectedAtMs: time.Now().UnixMilli(),
		sendFunc:      send,
	}
}

// SupportsChunkedTransfer reports whether the node advertised the chunked
// result-transfer capability.
func (s *NodeSession) SupportsChunkedTransfer() bool {
	for _, c := range s.Caps {
		if c == "node.invoke.result.chunk" {
			return true
		}
	}
	return false
}

// Registry is a thread-safe, two-index store of connected node sessions.
// byNodeID and byConnID are kept in lockstep under mu; the
// equivalence invariant |byNodeID| == |{connID : byConnID[connID] registered}|
// holds after every mutation.
type Registry struct {
	byNodeID map[string]*NodeSession
	byConnID map[string]string // connID -> nodeID
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byNodeID: make(map[string]*NodeSession),
		byConnID: make(map[string]string),
	}
}

// Register adds a node session, replacing any prior session with the same
// nodeID. The caller is responsible for tearing down the replaced session's
// pending invokes and transfers with NOT_CONNECTED; Register
// returns the replaced session, if any, so the caller can do so.
func (r *Registry) Register(session *NodeSession) (replaced *NodeSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.byNodeID[session.NodeID]; exists {
		delete(r.byConnID, old.ConnID)
		replaced = old
	}

	r.byNodeID[session.NodeID] = session
	r.byConnID[session.ConnID] = session.NodeID
	return replaced
}

// Get retrieves a node session by nodeID.
func (r *Registry) Get(nodeID string) (*NodeSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byNodeID[nodeID]
	return s, ok
}

// Unregister removes a node session by connID. Returns the nodeID and true
// if found, or empty string and false if not. The caller must tear down the
// departed node's pending invokes and transfers.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeID, ok := r.byConnID[connID]
	if !ok {
		return "", false
	}

	// Only drop the nodeID entry if it still points at this connection —
	// a Register() replacement may have already moved it to a new connID.
	if cur, exists := r.byNodeID[nodeID]; exists && cur.ConnID == connID {
		delete(r.byNodeID, nodeID)
	}
	delete(r.byConnID, connID)
	return nodeID, true
}

// List returns a snapshot of all connected node sessions.
func (r *Registry) List() []*NodeSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*NodeSession, 0, len(r.byNodeID))
	for _, s := range r.byNodeID {
		out = append(out, s)
	}
	return out
}

// SendEvent is a best-effort fire-and-forget send to a node by id.
// Returns false if the node is absent or the send fails.
func (r *Registry) SendEvent(nodeID, event string, payload any) bool {
	session, ok := r.Get(nodeID)
	if !ok {
		return false
	}
	return session.Send(event, payload) == nil
}
