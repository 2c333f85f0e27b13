package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerProtocol is the protocol version this server speaks.
const ServerProtocol = 3

// ---------- connect request params ----------

type ConnectParams struct {
	MinProtocol int              `json:"minProtocol"`
	MaxProtocol int              `json:"maxProtocol"`
	Client      ClientInfo       `json:"client"`
	Role        string           `json:"role,omitempty"`
	Caps        []string         `json:"caps,omitempty"`
	Commands    []string         `json:"commands,omitempty"`
	Permissions map[string]bool  `json:"permissions,omitempty"`
	PathEnv     string           `json:"pathEnv,omitempty"`
	Auth        *ConnectAuth     `json:"auth,omitempty"`
	Device      *DeviceConnectPayload `json:"device,omitempty"`
}

// DeviceConnectPayload carries cryptographic device identity in the connect request.
type DeviceConnectPayload struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"` // base64url-encoded raw 32-byte Ed25519 public key
	Signature string `json:"signature"` // base64url-encoded Ed25519 signature
	SignedAt  int64  `json:"signedAt"`  // milliseconds since epoch
	Nonce     string `json:"nonce"`     // server-issued challenge nonce
}

// HelloAuthInfo carries auth tokens in the hello-ok response.
type HelloAuthInfo struct {
	DeviceToken string `json:"deviceToken,omitempty"`
}

type ClientInfo struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName,omitempty"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	DeviceFamily    string `json:"deviceFamily,omitempty"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
	Mode            string `json:"mode"`
}

type ConnectAuth struct {
	Token string `json:"token"`
}

// ValidateConnect checks that the server's protocol version falls within
// the client's advertised [MinProtocol, MaxProtocol] range.
func ValidateConnect(params ConnectParams) error {
	if ServerProtocol < params.MinProtocol || ServerProtocol > params.MaxProtocol {
		return &FrameError{
			Code:    "PROTOCOL_MISMATCH",
			Message: fmt.Sprintf("server protocol %d not in client range [%d, %d]", ServerProtocol, params.MinProtocol, params.MaxProtocol),
		}
	}
	return nil
}

// ---------- hello-ok response ----------

type HelloOk struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot Snapshot   `json:"snapshot"`
	Policy   Policy     `json:"policy"`
}

type ServerInfo struct {
	Version string `json:"version"`
	ConnID  string `json:"connId"`
}

type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type Snapshot struct{}

type Policy struct {
	MaxPayload           int   `json:"maxPayload"`
	MaxBufferedBytes     int   `json:"maxBufferedBytes"`
	TickIntervalMs       int   `json:"tickIntervalMs"`
	MaxInvokeResultBytes int64 `json:"maxInvokeResultBytes"`
	MaxInflightBytes     int64 `json:"maxInflightBytes"`
}

// ---------- node invoke ----------

// NodeInvokeRequest is the server-to-node request frame for node.invoke.request.
type NodeInvokeRequest struct {
	ID             string `json:"id"`
	NodeID         string `json:"nodeId"`
	Command        string `json:"command"`
	ParamsJSON     string `json:"paramsJSON,omitempty"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// NodeInvokeResult is the node-to-server reply frame for node.invoke.result. It is
// either a direct result (Payload/PayloadJSON/Error set) or the start of a
// chunked transfer (PayloadTransfer set, OK true, no payload yet).
type NodeInvokeResult struct {
	ID              string           `json:"id"`
	NodeID          string           `json:"nodeId"`
	OK              bool             `json:"ok"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	PayloadJSON     *string          `json:"payloadJSON,omitempty"`
	PayloadTransfer *PayloadTransfer `json:"payloadTransfer,omitempty"`
	Error           *ErrorShape      `json:"error,omitempty"`
}

// ResolvedPayloadJSON returns the reply payload as serialized JSON no matter
// which form the node used; a decoded payload object is kept in its raw
// serialized form rather than parsed and re-marshalled.
func (r *NodeInvokeResult) ResolvedPayloadJSON() *string {
	if r.PayloadJSON != nil {
		return r.PayloadJSON
	}
	if len(r.Payload) > 0 {
		s := string(r.Payload)
		return &s
	}
	return nil
}

// PayloadTransfer announces a chunked result transfer.
type PayloadTransfer struct {
	Format     string `json:"format"`   // always "json"
	Encoding   string `json:"encoding"` // always "base64"
	TotalBytes int64  `json:"totalBytes"`
	ChunkBytes int64  `json:"chunkBytes,omitempty"`
	ChunkCount int    `json:"chunkCount"`
	SHA256     string `json:"sha256"`
}

// NodeInvokeResultChunk is one chunk of a transfer (node.invoke.result.chunk).
type NodeInvokeResultChunk struct {
	ID     string `json:"id"`
	NodeID string `json:"nodeId"`
	Index  int    `json:"index"`
	Data   string `json:"data"` // base64-encoded chunk bytes
	Bytes  int    `json:"bytes"`
}

// Wire error codes.
const (
	ErrCodeNotConnected        = "NOT_CONNECTED"
	ErrCodeUnavailable         = "UNAVAILABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeAwaitingNodeApproval = "AWAITING_NODE_APPROVAL"
)

// ChunkedTransferCapability is the capability string nodes advertise (via
// ConnectParams.Caps) when they can deliver results as a chunked transfer.
const ChunkedTransferCapability = "node.invoke.result.chunk"

// Limits bounds single-frame size, total reply size, and aggregate inflight
// transfer bytes.
type Limits struct {
	MaxPayloadBytes      int64 `json:"maxPayloadBytes"`
	MaxInvokeResultBytes int64 `json:"maxInvokeResultBytes"`
	MaxInflightBytes     int64 `json:"maxInflightBytes"`
}

// DefaultLimits returns the built-in caps: 512 KiB single-frame
// cap, 50 MiB total reply cap, 64 MiB aggregate inflight ceiling.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes:      512 * 1024,
		MaxInvokeResultBytes: 50 * 1024 * 1024,
		MaxInflightBytes:     64 * 1024 * 1024,
	}
}
