package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaysmith/nodebroker/internal/exechost"
	"github.com/relaysmith/nodebroker/internal/pairing"
)

var (
	execSocket  string
	execToken   string
	execTimeout int
)

var execCmd = &cobra.Command{
	Use:   "exec [request-json]",
	Short: "Send an exec request to a local exec-host helper socket",
	Long: `Sends one HMAC-authenticated exec request over the exec-host Unix socket
and waits for the terminal result. If the helper reports the command is
awaiting approval, the wait is extended until the helper decides.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestJSON := args[0]
		if !json.Valid([]byte(requestJSON)) {
			return fmt.Errorf("request must be a valid JSON object")
		}
		if execToken == "" {
			return fmt.Errorf("--exec-token (or NODEBROKER_EXEC_TOKEN) is required")
		}

		client := exechost.NewClient(execToken)
		if execTimeout > 0 {
			client.BaseTimeoutMs = execTimeout * 1000
		}

		result, err := client.Exec(cmd.Context(), execSocket, pairing.GenerateNonce(), requestJSON, func(payload json.RawMessage) {
			fmt.Fprintln(os.Stderr, "command is awaiting approval on the exec host...")
		})
		if err != nil {
			return err
		}

		if result.Pending {
			return fmt.Errorf("approval timed out: %s", string(result.Payload))
		}

		fmt.Println(string(result.Payload))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execSocket, "socket", envStr("NODEBROKER_EXEC_SOCKET", "/tmp/nodebroker-exec.sock"), "Path to the exec-host Unix socket")
	execCmd.Flags().StringVar(&execToken, "exec-token", envStr("NODEBROKER_EXEC_TOKEN", ""), "Shared secret for exec-host HMAC auth")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 0, "Base timeout in seconds before any pending acknowledgement")
}
