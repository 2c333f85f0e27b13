package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// maxInlinePayload is the largest payload we render inline in a Discord
// message; anything bigger is attached as a file instead.
const maxInlinePayload = 1800

// CommandResponse is the result returned by command handlers.
type CommandResponse struct {
	OK       bool
	Message  string
	FileName string
	FileData []byte // raw payload bytes attached as a file, if applicable
}

// CommandRouter dispatches slash commands to the appropriate handler.
type CommandRouter struct {
	invoker  Invoker
	registry NodeRegistry
	pairing  PairingService // optional — nil when pairing is not enabled
	store    PairingStore   // optional — nil when pairing is not enabled
}

// NewCommandRouter creates a router backed by the given invoker and registry.
func NewCommandRouter(invoker Invoker, registry NodeRegistry) *CommandRouter {
	return &CommandRouter{invoker: invoker, registry: registry}
}

// WithPairing attaches pairing service and store to the router.
func (r *CommandRouter) WithPairing(svc PairingService, store PairingStore) {
	r.pairing = svc
	r.store = store
}

// Commands returns the slash command definitions for Discord registration.
func (r *CommandRouter) Commands() []SlashCommand {
	cmds := []SlashCommand{
		{
			Name:        "invoke",
			Description: "Invoke a command on a connected node",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "command", Description: "Command name (e.g. system.run)", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "node", Description: "Node ID (optional, defaults to first connected)"},
				{Type: discordgo.ApplicationCommandOptionString, Name: "params", Description: "Command params as a JSON object"},
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "timeout", Description: "Timeout in seconds"},
			},
		},
		{
			Name:        "run",
			Description: "Run a shell command on a node (may require approval on the node)",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "cmd", Description: "Shell command line", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "node", Description: "Node ID (optional)"},
			},
		},
		{
			Name:        "status",
			Description: "Get a node's host status report",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "node", Description: "Node ID (optional)"},
			},
		},
		{
			Name:        "nodes",
			Description: "List all connected nodes",
		},
	}

	// Add pairing commands only when pairing is enabled
	if r.pairing != nil {
		cmds = append(cmds,
			SlashCommand{
				Name:        "devices",
				Description: "List all paired and pending devices",
			},
			SlashCommand{
				Name:        "approve",
				Description: "Approve a pending device pairing request",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "request", Description: "Request ID to approve", Required: true},
				},
			},
			SlashCommand{
				Name:        "reject",
				Description: "Reject a pending device pairing request",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "request", Description: "Request ID to reject", Required: true},
				},
			},
			SlashCommand{
				Name:        "revoke",
				Description: "Revoke a paired device's access token",
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "device", Description: "Device ID to revoke", Required: true},
					{Type: discordgo.ApplicationCommandOptionString, Name: "role", Description: "Role to revoke (default: node)"},
				},
			},
		)
	}

	return cmds
}

// resolveNode picks a node by ID, or the first available if nodeID is empty.
func (r *CommandRouter) resolveNode(nodeID string) (*NodeSession, error) {
	if nodeID != "" {
		n, ok := r.registry.Get(nodeID)
		if !ok {
			return nil, fmt.Errorf("node %q not connected", nodeID)
		}
		return n, nil
	}
	nodes := r.registry.List()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes connected")
	}
	return nodes[0], nil
}

// HandleInvoke dispatches an arbitrary command to the target node and
// renders whatever payload comes back.
func (r *CommandRouter) HandleInvoke(ctx context.Context, nodeID, command, paramsJSON string, timeoutSec int) CommandResponse {
	if command == "" {
		return CommandResponse{Message: "❌ Command name is required"}
	}
	if paramsJSON != "" && !json.Valid([]byte(paramsJSON)) {
		return CommandResponse{Message: "❌ Params must be a valid JSON object"}
	}

	nd, err := r.resolveNode(nodeID)
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ %s", err)}
	}

	timeoutMs := timeoutSec * 1000
	result, err := r.invoker.Invoke(ctx, InvokeRequest{
		NodeID:     nd.NodeID,
		Command:    command,
		ParamsJSON: paramsJSON,
		TimeoutMs:  timeoutMs,
	})
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ Invoke error: %v", err)}
	}
	if !result.OK {
		return CommandResponse{Message: r.invokeErrorMessage(result, fmt.Sprintf("❌ %s failed on %s", command, nd.DisplayName))}
	}

	header := fmt.Sprintf("✅ `%s` on **%s**", command, displayName(nd))
	if result.PayloadJSON == nil {
		return CommandResponse{OK: true, Message: header}
	}

	payload := *result.PayloadJSON
	if len(payload) > maxInlinePayload {
		return CommandResponse{
			OK:       true,
			Message:  fmt.Sprintf("%s — payload attached (%d bytes)", header, len(payload)),
			FileName: "result.json",
			FileData: []byte(payload),
		}
	}
	return CommandResponse{OK: true, Message: fmt.Sprintf("%s\n```json\n%s\n```", header, payload)}
}

// HandleRun runs a shell command on the node via system.run. The node may
// hold the command for local approval; that surfaces as
// AWAITING_NODE_APPROVAL and is reported rather than treated as an error.
func (r *CommandRouter) HandleRun(ctx context.Context, nodeID, cmdLine string) CommandResponse {
	if cmdLine == "" {
		return CommandResponse{Message: "❌ A command line is required"}
	}

	nd, err := r.resolveNode(nodeID)
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ %s", err)}
	}

	params, _ := json.Marshal(map[string]string{"cmd": cmdLine})
	result, err := r.invoker.Invoke(ctx, InvokeRequest{
		NodeID:     nd.NodeID,
		Command:    "system.run",
		ParamsJSON: string(params),
		TimeoutMs:  60_000,
	})
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ Invoke error: %v", err)}
	}
	if !result.OK {
		if result.Error != nil && result.Error.Code == "AWAITING_NODE_APPROVAL" {
			return CommandResponse{Message: fmt.Sprintf("⏳ Command is awaiting approval on **%s**", displayName(nd))}
		}
		return CommandResponse{Message: r.invokeErrorMessage(result, "❌ Command failed")}
	}

	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	if result.PayloadJSON == nil || json.Unmarshal([]byte(*result.PayloadJSON), &out) != nil {
		return CommandResponse{OK: true, Message: fmt.Sprintf("✅ Ran on **%s** (no output)", displayName(nd))}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ Exit %d on **%s**\n", out.ExitCode, displayName(nd))
	if out.Stdout != "" {
		fmt.Fprintf(&sb, "```\n%s\n```", truncate(out.Stdout, maxInlinePayload))
	}
	if out.Stderr != "" {
		fmt.Fprintf(&sb, "stderr:\n```\n%s\n```", truncate(out.Stderr, 400))
	}
	return CommandResponse{OK: true, Message: sb.String()}
}

// HandleStatus requests the node's host status report.
func (r *CommandRouter) HandleStatus(ctx context.Context, nodeID string) CommandResponse {
	nd, err := r.resolveNode(nodeID)
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ %s", err)}
	}

	result, err := r.invoker.Invoke(ctx, InvokeRequest{
		NodeID:    nd.NodeID,
		Command:   "host.status",
		TimeoutMs: 10_000,
	})
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ Error: %s", err.Error())}
	}
	if !result.OK {
		return CommandResponse{Message: r.invokeErrorMessage(result, "❌ Status request failed")}
	}
	if result.PayloadJSON == nil {
		return CommandResponse{Message: "❌ Status reply missing payload"}
	}

	var status struct {
		Hostname string  `json:"hostname"`
		Uptime   int64   `json:"uptimeSec"`
		Load     float64 `json:"load1"`
		Disk     struct {
			TotalBytes     int64 `json:"totalBytes"`
			AvailableBytes int64 `json:"availableBytes"`
		} `json:"disk"`
	}
	if err := json.Unmarshal([]byte(*result.PayloadJSON), &status); err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ Status decode failed: %v", err)}
	}

	msg := fmt.Sprintf("🖥️ %s\n⏱️ Uptime: %dh%dm\n📈 Load: %.2f\n💾 Disk: %.0f GB free of %.0f GB",
		status.Hostname,
		status.Uptime/3600, (status.Uptime%3600)/60,
		status.Load,
		float64(status.Disk.AvailableBytes)/1e9,
		float64(status.Disk.TotalBytes)/1e9,
	)
	return CommandResponse{OK: true, Message: msg}
}

// HandleNodes lists all connected nodes.
func (r *CommandRouter) HandleNodes() CommandResponse {
	nodes := r.registry.List()
	if len(nodes) == 0 {
		return CommandResponse{Message: "No nodes connected"}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🖧 %d node(s) connected:\n", len(nodes)))
	for _, n := range nodes {
		sb.WriteString(fmt.Sprintf("• %s (%s %s) — `%s`, %d command(s)\n",
			displayName(n), n.Platform, n.Version, n.NodeID, len(n.Commands)))
	}
	return CommandResponse{OK: true, Message: sb.String()}
}

func (r *CommandRouter) invokeErrorMessage(result InvokeResult, fallback string) string {
	if result.Error != nil && result.Error.Message != "" {
		return fmt.Sprintf("❌ %s", result.Error.Message)
	}
	if result.Error != nil && result.Error.Code != "" {
		return fmt.Sprintf("❌ %s", result.Error.Code)
	}
	return fallback
}

func displayName(n *NodeSession) string {
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.NodeID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// --- Device Pairing Handlers ---

// HandleDevices lists all paired and pending devices.
func (r *CommandRouter) HandleDevices() CommandResponse {
	if r.store == nil {
		return CommandResponse{Message: "❌ Device pairing is not enabled"}
	}

	paired := r.store.ListPaired()
	pending := r.store.ListPending()

	if len(paired) == 0 && len(pending) == 0 {
		return CommandResponse{OK: true, Message: "No devices found."}
	}

	var sb strings.Builder

	if len(paired) > 0 {
		sb.WriteString(fmt.Sprintf("**Paired Devices** (%d)\n", len(paired)))
		for _, d := range paired {
			name := d.DisplayName
			if name == "" {
				name = d.DeviceID[:12] + "…"
			}
			sb.WriteString(fmt.Sprintf("• `%s` — %s (%s)\n", d.DeviceID[:12], name, d.Platform))
		}
	}

	if len(pending) > 0 {
		if len(paired) > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("**Pending Requests** (%d)\n", len(pending)))
		for _, p := range pending {
			name := p.DisplayName
			if name == "" {
				name = p.DeviceID[:12] + "…"
			}
			sb.WriteString(fmt.Sprintf("• `%s` — %s (request: `%s`)\n", p.DeviceID[:12], name, p.RequestID[:8]))
		}
	}

	return CommandResponse{OK: true, Message: sb.String()}
}

// HandleApprove approves a pending device pairing request.
func (r *CommandRouter) HandleApprove(requestID string) CommandResponse {
	if r.pairing == nil {
		return CommandResponse{Message: "❌ Device pairing is not enabled"}
	}
	if requestID == "" {
		return CommandResponse{Message: "❌ Request ID is required"}
	}

	device, err := r.pairing.Approve(requestID)
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ Approve failed: %v", err)}
	}
	if device == nil {
		return CommandResponse{Message: fmt.Sprintf("❌ No pending request found for `%s`", requestID)}
	}

	name := device.DisplayName
	if name == "" {
		name = device.DeviceID[:12] + "…"
	}
	return CommandResponse{OK: true, Message: fmt.Sprintf("✅ Approved device **%s** (`%s`)", name, device.DeviceID[:12])}
}

// HandleReject rejects a pending device pairing request.
func (r *CommandRouter) HandleReject(requestID string) CommandResponse {
	if r.pairing == nil {
		return CommandResponse{Message: "❌ Device pairing is not enabled"}
	}
	if requestID == "" {
		return CommandResponse{Message: "❌ Request ID is required"}
	}

	rejected, err := r.pairing.Reject(requestID)
	if err != nil {
		return CommandResponse{Message: fmt.Sprintf("❌ Reject failed: %v", err)}
	}
	if rejected == nil {
		return CommandResponse{Message: fmt.Sprintf("❌ No pending request found for `%s`", requestID)}
	}

	name := rejected.DisplayName
	if name == "" {
		name = rejected.DeviceID[:12] + "…"
	}
	return CommandResponse{OK: true, Message: fmt.Sprintf("🚫 Rejected device **%s** (`%s`)", name, rejected.DeviceID[:12])}
}

// HandleRevoke revokes a paired device's access token.
func (r *CommandRouter) HandleRevoke(deviceID, role string) CommandResponse {
	if r.pairing == nil {
		return CommandResponse{Message: "❌ Device pairing is not enabled"}
	}
	if deviceID == "" {
		return CommandResponse{Message: "❌ Device ID is required"}
	}
	if role == "" {
		role = "node"
	}

	tok := r.pairing.RevokeDeviceToken(deviceID, role)
	if tok == nil {
		return CommandResponse{Message: fmt.Sprintf("❌ No token found for device `%s` role `%s`", deviceID[:min(12, len(deviceID))], role)}
	}

	return CommandResponse{OK: true, Message: fmt.Sprintf("🔒 Revoked token for device `%s` role `%s`", deviceID[:min(12, len(deviceID))], role)}
}
