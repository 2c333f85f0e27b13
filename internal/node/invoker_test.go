package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaysmith/nodebroker/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInvoke_HappyPath exercises a direct invoke resolved by a node reply.
func TestInvoke_HappyPath(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	var captured NodeInvokeRequest
	session := &NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error {
			captured = payload.(NodeInvokeRequest)
			go func() {
				time.Sleep(10 * time.Millisecond)
				inv.HandleResult(NodeInvokeResult{
					ID:          captured.ID,
					NodeID:      "node-1",
					OK:          true,
					PayloadJSON: ptrStr(`{"ok":true,"value":"hello"}`),
				})
			}()
			return nil
		},
	}
	reg.Register(session)
	result, err := inv.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "system.run", TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, `{"ok":true,"value":"hello"}`, *result.PayloadJSON)
	assert.Equal(t, "system.run", captured.Command)
}

func TestInvoke_Timeout(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	session := &NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error { return nil },
	}
	reg.Register(session)
	result, err := inv.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "camera.snap", TimeoutMs: 50,
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrCodeTimeout, result.Error.Code)
}

func TestInvoke_NodeNotConnected(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	result, err := inv.Invoke(context.Background(), InvokeRequest{
		NodeID: "nonexistent", Command: "camera.snap", TimeoutMs: 1000,
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrCodeNotConnected, result.Error.Code)
}

func TestInvoke_SendFailureIsUnavailable(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	reg.Register(&NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error { return fmt.Errorf("broken pipe") },
	})
	result, err := inv.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "camera.snap", TimeoutMs: 1000,
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrCodeUnavailable, result.Error.Code)
}

// TestInvoke_NodeDisconnects covers a node dropping mid-invoke.
func TestInvoke_NodeDisconnects(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	session := &NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error {
			go func() {
				time.Sleep(30 * time.Millisecond)
				reg.Unregister("conn-1")
				inv.CancelPendingForNode("node-1")
			}()
			return nil
		},
	}
	reg.Register(session)
	result, err := inv.Invoke(context.Background(), InvokeRequest{
		NodeID: "node-1", Command: "camera.snap", TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrCodeNotConnected, result.Error.Code)
}

func TestInvoke_ContextCancelled(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	reg.Register(&NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error { return nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inv.Invoke(ctx, InvokeRequest{NodeID: "node-1", Command: "camera.snap", TimeoutMs: 5000})
	assert.Error(t, err)
}

func TestInvoke_ConcurrentInvokes(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	session := &NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error {
			req := payload.(NodeInvokeRequest)
			go func() {
				time.Sleep(10 * time.Millisecond)
				inv.HandleResult(NodeInvokeResult{
					ID: req.ID, NodeID: "node-1", OK: true,
					PayloadJSON: ptrStr(fmt.Sprintf(`{"cmd":"%s"}`, req.Command)),
				})
			}()
			return nil
		},
	}
	reg.Register(session)
	var wg sync.WaitGroup
	results := make([]InvokeResult, 2)
	commands := []string{"camera.snap", "location.get"}
	for i, cmd := range commands {
		wg.Add(1)
		go func(idx int, command string) {
			defer wg.Done()
			r, err := inv.Invoke(context.Background(), InvokeRequest{
				NodeID: "node-1", Command: command, TimeoutMs: 5000,
			})
			require.NoError(t, err)
			results[idx] = r
		}(i, cmd)
	}
	wg.Wait()
	assert.True(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.Contains(t, *results[0].PayloadJSON, "camera.snap")
	assert.Contains(t, *results[1].PayloadJSON, "location.get")
}

func TestHandleResult_UnknownID(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	ok := inv.HandleResult(NodeInvokeResult{ID: "nonexistent", NodeID: "node-1", OK: true})
	assert.False(t, ok)
}

// TestHandleResult_NodeIDMismatchIsRejected guards against cross-node
// spoofing.
func TestHandleResult_NodeIDMismatchIsRejected(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	reg.Register(&NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error { return nil },
	})

	done := make(chan InvokeResult, 1)
	go func() {
		r, _ := inv.Invoke(context.Background(), InvokeRequest{NodeID: "node-1", Command: "x", TimeoutMs: 150})
		done <- r
	}()

	// Wait for the goroutine above to register its pending id, then let the
	// real timeout fire while a spoofed reply from another node is rejected
	// in between.
	time.Sleep(20 * time.Millisecond)
	inv.mu.Lock()
	var id string
	for k := range inv.pending {
		id = k
	}
	inv.mu.Unlock()
	require.NotEmpty(t, id)

	ok := inv.HandleInvokeResult(id, "node-2", true, ptrStr(`{}`), nil)
	assert.False(t, ok, "reply from the wrong nodeID must be rejected")

	result := <-done
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrCodeTimeout, result.Error.Code)
}

func TestResolve_ExactlyOnce(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	reg.Register(&NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error { return nil },
	})

	resultCh := make(chan InvokeResult, 1)
	go func() {
		r, _ := inv.Invoke(context.Background(), InvokeRequest{NodeID: "node-1", Command: "x", TimeoutMs: 5000})
		resultCh <- r
	}()

	time.Sleep(20 * time.Millisecond)
	inv.mu.Lock()
	var id string
	for k := range inv.pending {
		id = k
	}
	inv.mu.Unlock()

	first := inv.HandleInvokeResult(id, "node-1", true, ptrStr(`{}`), nil)
	second := inv.HandleInvokeResult(id, "node-1", true, ptrStr(`{}`), nil)
	assert.True(t, first)
	assert.False(t, second, "a second resolution attempt must be a no-op")
	<-resultCh
}

func TestAbortInvokeResultTransfer_ResolvesPending(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	reg.Register(&NodeSession{
		NodeID: "node-1", ConnID: "conn-1",
		sendFunc: func(event string, payload any) error { return nil },
	})

	resultCh := make(chan InvokeResult, 1)
	go func() {
		r, _ := inv.Invoke(context.Background(), InvokeRequest{NodeID: "node-1", Command: "x", TimeoutMs: 5000})
		resultCh <- r
	}()

	time.Sleep(20 * time.Millisecond)
	inv.mu.Lock()
	var id string
	for k := range inv.pending {
		id = k
	}
	inv.mu.Unlock()

	ok := inv.AbortInvokeResultTransfer(id, "node-1", nil)
	assert.True(t, ok)

	result := <-resultCh
	assert.False(t, result.OK)
	require.NotNil(t, result.Error)
	assert.Equal(t, protocol.ErrCodeUnavailable, result.Error.Code)
	assert.Equal(t, "node invoke aborted", result.Error.Message)
}

func TestAbortInvokeResultTransfer_UnknownIDReclaimsOnly(t *testing.T) {
	reg := NewRegistry()
	inv := NewInvoker(reg)
	var cancelled []string
	inv.SetTransferCanceller(fakeCanceller{cancel: func(id string) { cancelled = append(cancelled, id) }})

	ok := inv.AbortInvokeResultTransfer("ghost", "node-1", nil)
	assert.False(t, ok)
	assert.Equal(t, []string{"ghost"}, cancelled)
}

type fakeCanceller struct {
	cancel func(string)
}

func (f fakeCanceller) Cancel(id string)          { f.cancel(id) }
func (f fakeCanceller) CancelForNode(node string) {}
