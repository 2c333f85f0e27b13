package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaysmith/nodebroker/internal/gateway"
	"github.com/relaysmith/nodebroker/internal/pairing"
)

var nodesGatewayAddr string

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect nodes and manage device pairing",
	Long:  `Inspect connected nodes and in-flight work on a running gateway, and manage device pairing: list pending requests, approve or reject them.`,
}

var nodesPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending pairing requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPairingStore()
		if err != nil {
			return err
		}

		pending := store.ListPending()
		if len(pending) == 0 {
			fmt.Println("No pending requests.")
			return nil
		}

		fmt.Printf("%-36s  %-20s  %-15s  %s\n", "REQUEST ID", "DEVICE NAME", "IP", "AGE")
		now := time.Now().UnixMilli()
		for _, req := range pending {
			age := time.Duration((now - req.Timestamp) * int64(time.Millisecond)).Round(time.Second)
			fmt.Printf("%-36s  %-20s  %-15s  %s\n", req.RequestID, req.DisplayName, req.RemoteIP, age)
		}
		return nil
	},
}

var nodesApproveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve a pending pairing request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPairingStore()
		if err != nil {
			return err
		}
		svc := pairing.NewService(store)

		reqID := args[0]
		device, err := svc.Approve(reqID)
		if err != nil {
			return fmt.Errorf("approve failed: %w", err)
		}
		if device == nil {
			return fmt.Errorf("request not found: %s", reqID)
		}

		fmt.Printf("Approved request %s\n", reqID)
		fmt.Printf("Device paired: %s (%s)\n", device.DisplayName, device.DeviceID)
		return nil
	},
}

var nodesRejectCmd = &cobra.Command{
	Use:   "reject [request-id]",
	Short: "Reject a pending pairing request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPairingStore()
		if err != nil {
			return err
		}
		svc := pairing.NewService(store)

		reqID := args[0]
		removed, err := svc.Reject(reqID)
		if err != nil {
			return fmt.Errorf("reject failed: %w", err)
		}
		if removed == nil {
			return fmt.Errorf("request not found: %s", reqID)
		}

		fmt.Printf("Rejected request %s from %s\n", reqID, removed.DisplayName)
		return nil
	},
}

var nodesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPairingStore()
		if err != nil {
			return err
		}

		paired := store.ListPaired()
		if len(paired) == 0 {
			fmt.Println("No paired devices.")
			return nil
		}

		fmt.Printf("%-36s  %-20s  %-15s  %s\n", "DEVICE ID", "NAME", "PLATFORM", "APPROVED")
		for _, dev := range paired {
			approved := time.UnixMilli(dev.ApprovedAtMs).Format(time.DateTime)
			fmt.Printf("%-36s  %-20s  %-15s  %s\n", dev.DeviceID, dev.DisplayName, dev.Platform, approved)
		}
		return nil
	},
}

var nodesConnectedCmd = &cobra.Command{
	Use:   "connected",
	Short: "List nodes connected to a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := fetchStats(nodesGatewayAddr)
		if err != nil {
			return err
		}

		if len(stats.Nodes) == 0 {
			fmt.Println("No nodes connected.")
			return nil
		}

		fmt.Printf("%-24s  %-20s  %-10s  %-10s  %s\n", "NODE ID", "NAME", "PLATFORM", "VERSION", "CONNECTED")
		for _, n := range stats.Nodes {
			connected := time.UnixMilli(n.ConnectedAtMs).Format(time.DateTime)
			fmt.Printf("%-24s  %-20s  %-10s  %-10s  %s\n", truncID(n.NodeID, 24), n.DisplayName, n.Platform, n.Version, connected)
		}
		return nil
	},
}

var nodesInvokesCmd = &cobra.Command{
	Use:   "invokes",
	Short: "Show in-flight invocations and transfers on a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := fetchStats(nodesGatewayAddr)
		if err != nil {
			return err
		}

		fmt.Printf("Pending invokes:   %d\n", stats.PendingInvokes)
		fmt.Printf("Active transfers:  %d\n", stats.TransfersActive)
		fmt.Printf("Inflight bytes:    %d\n", stats.InflightBytes)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesPendingCmd)
	nodesCmd.AddCommand(nodesApproveCmd)
	nodesCmd.AddCommand(nodesRejectCmd)
	nodesCmd.AddCommand(nodesStatusCmd)
	nodesCmd.AddCommand(nodesConnectedCmd)
	nodesCmd.AddCommand(nodesInvokesCmd)

	nodesCmd.PersistentFlags().StringVar(&nodesGatewayAddr, "gateway", envStr("NODEBROKER_ADDR", "127.0.0.1:18789"), "Address of the running gateway for live queries")
}

func openPairingStore() (*pairing.Store, error) {
	// Root flags are parsed before Run, so cfgStateDir is populated
	path := filepath.Join(cfgStateDir, "pairing")
	store, err := pairing.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing store at %s: %w", path, err)
	}
	return store, nil
}

func fetchStats(addr string) (*gateway.StatsSnapshot, error) {
	resp, err := http.Get("http://" + addr + "/stats")
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s for /stats", resp.Status)
	}

	var stats gateway.StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

func truncID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n-1] + "…"
}
