// Package exechost implements the gateway-side client for the exec-host
// approval-pending protocol: a short-lived,
// HMAC-authenticated JSON-lines client that talks to a companion helper
// process over a Unix-domain socket and honors the pending-timeout
// extension state machine.
package exechost

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sentinel errors distinguishing the two hard-failure paths in the
// Armed/Pending state table from a caller-cancelled context.
var (
	ErrBaseTimeout      = errors.New("exechost: timed out waiting for exec-pending or exec-res")
	ErrConnectionClosed = errors.New("exechost: connection closed before exec-res")
)

const (
	// DefaultBaseTimeoutMs is the Armed-state deadline before any
	// exec-pending acknowledgement arrives.
	DefaultBaseTimeoutMs = 20_000
	// DefaultPendingTimeoutMs is the extended deadline once the node
	// acknowledges the command is awaiting human approval.
	DefaultPendingTimeoutMs = 300_000
	// SignatureSkewMs is the 60 s freshness window for a request's ts, the
	// same bound as pairing.SignatureSkewMs. Exec stamps each request with
	// the current time; nothing in this package checks ts against it.
	SignatureSkewMs = 60_000
)

type wireFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id"`
	Nonce       string          `json:"nonce,omitempty"`
	Ts          int64           `json:"ts,omitempty"`
	HMAC        string          `json:"hmac,omitempty"`
	RequestJSON string          `json:"requestJson,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type pendingPayload struct {
	TimeoutMs int `json:"timeoutMs"`
}

// Result is the terminal outcome of Client.Exec.
type Result struct {
	OK      bool
	Pending bool
	Payload json.RawMessage
}

// Client speaks the exec-host local-socket protocol.
type Client struct {
	Token         string
	BaseTimeoutMs int // 0 means DefaultBaseTimeoutMs
}

// NewClient creates a Client authenticated with the given shared token.
func NewClient(token string) *Client {
	return &Client{Token: token, BaseTimeoutMs: DefaultBaseTimeoutMs}
}

// Exec sends one exec request over socketPath and waits for its terminal
// outcome. onPending, if non-nil, fires exactly
// once if the node acknowledges with exec-pending, after the deadline is
// extended. The socket is always closed before Exec returns.
func (c *Client) Exec(ctx context.Context, socketPath, id, requestJSON string, onPending func(json.RawMessage)) (*Result, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("exechost: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	nonce := generateNonce()
	ts := time.Now().UnixMilli()
	req := wireFrame{
		Type:        "exec",
		ID:          id,
		Nonce:       nonce,
		Ts:          ts,
		HMAC:        computeHMAC(c.Token, nonce, ts, requestJSON),
		RequestJSON: requestJSON,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("exechost: marshal request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("exechost: write request: %w", err)
	}

	frames := make(chan wireFrame, 4)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(frames)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var f wireFrame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				continue // malformed line; wait for a well-formed one or closure
			}
			select {
			case frames <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return scanner.Err()
	})

	baseTimeout := c.BaseTimeoutMs
	if baseTimeout <= 0 {
		baseTimeout = DefaultBaseTimeoutMs
	}
	timer := time.NewTimer(time.Duration(baseTimeout) * time.Millisecond)
	defer timer.Stop()

	var (
		pending    bool
		result     *Result
		resolveErr error
	)

loop:
	for {
		select {
		case f, open := <-frames:
			if !open {
				resolveErr = ErrConnectionClosed
				break loop
			}
			switch f.Type {
			case "exec-pending":
				if pending {
					continue loop // idempotent; the timer is not re-extended
				}
				pending = true
				var p pendingPayload
				_ = json.Unmarshal(f.Payload, &p)
				extended := p.TimeoutMs
				if extended <= 0 {
					extended = DefaultPendingTimeoutMs
				}
				stopTimer(timer)
				timer.Reset(time.Duration(extended) * time.Millisecond)
				if onPending != nil {
					onPending(f.Payload)
				}
			case "exec-res":
				result = &Result{OK: true, Payload: f.Payload}
				break loop
			}
		case <-timer.C:
			if pending {
				result = &Result{OK: false, Pending: true, Payload: json.RawMessage(`{"reason":"approval-timeout"}`)}
			} else {
				resolveErr = ErrBaseTimeout
			}
			break loop
		case <-ctx.Done():
			resolveErr = ctx.Err()
			break loop
		}
	}

	conn.Close()
	_ = group.Wait()

	if resolveErr != nil {
		return nil, resolveErr
	}
	return result, nil
}

// stopTimer cancels timer, draining a racing fire so Reset starts clean.
func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// computeHMAC builds the exec-host request authenticator: lowercase hex
// HMAC-SHA256 of "nonce:ts:requestJson" keyed by the shared token.
func computeHMAC(token, nonce string, ts int64, requestJSON string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(nonce + ":" + strconv.FormatInt(ts, 10) + ":" + requestJSON))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateNonce returns 16 random bytes, hex-encoded.
func generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("exechost: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
