package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/pkg/pairing"
	"github.com/spf13/cobra"
)

var pairingCmd = &cobra.Command{
	Use:   "pairing",
	Short: "Manage channel pairing requests",
}

var pairingListCmd = &cobra.Command{
	Use:   "list <channel>",
	Short: "List pending pairing requests and approved senders for a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runPairingList,
}

var pairingApproveCmd = &cobra.Command{
	Use:   "approve <channel> <code>",
	Short: "Approve a pending pairing request by code",
	Args:  cobra.ExactArgs(2),
	RunE:  runPairingApprove,
}

var pairingRejectCmd = &cobra.Command{
	Use:   "reject <channel> <code>",
	Short: "Reject a pending pairing request by code",
	Args:  cobra.ExactArgs(2),
	RunE:  runPairingReject,
}

func init() {
	pairingCmd.AddCommand(pairingListCmd)
	pairingCmd.AddCommand(pairingApproveCmd)
	pairingCmd.AddCommand(pairingRejectCmd)
	rootCmd.AddCommand(pairingCmd)
}

func runPairingList(cmd *cobra.Command, args []string) error {
	channel := strings.ToLower(strings.TrimSpace(args[0]))
	manager, err := loadPairingManager(cmd, channel)
	if err != nil {
		return err
	}

	pending := manager.ListPending()
	if len(pending) == 0 {
		cmd.Println("No pending pairing requests.")
	} else {
		cmd.Printf("Pending pairing requests for %s:\n", channel)
		for _, req := range pending {
			remaining := time.Until(req.ExpiresAt).Round(time.Second)
			if remaining < 0 {
				remaining = 0
			}
			cmd.Printf("- code: %s | sender: %s | expires in: %s\n", req.Code, req.SenderID, remaining)
		}
	}

	allowed := manager.ListAllowlist()
	if len(allowed) > 0 {
		cmd.Printf("Approved senders for %s:\n", channel)
		for _, entry := range allowed {
			cmd.Printf("- %s\n", entry.SenderID)
		}
	}
	return nil
}

func runPairingApprove(cmd *cobra.Command, args []string) error {
	channel := strings.ToLower(strings.TrimSpace(args[0]))
	code := strings.TrimSpace(args[1])
	manager, err := loadPairingManager(cmd, channel)
	if err != nil {
		return err
	}

	req, err := manager.Approve(code)
	if err != nil {
		return err
	}

	cmd.Printf("Approved pairing for %s (sender %s).\n", channel, req.SenderID)
	return nil
}

func runPairingReject(cmd *cobra.Command, args []string) error {
	channel := strings.ToLower(strings.TrimSpace(args[0]))
	code := strings.TrimSpace(args[1])
	manager, err := loadPairingManager(cmd, channel)
	if err != nil {
		return err
	}

	req, err := manager.Reject(code)
	if err != nil {
		return err
	}

	cmd.Printf("Rejected pairing for %s (sender %s).\n", channel, req.SenderID)
	return nil
}

func loadPairingManager(cmd *cobra.Command, channel string) (*pairing.Manager, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	pendingPath, allowlistPath := pairing.DefaultPaths(cfg.Pairing.Dir, channel)
	return pairing.NewManager(pairing.ManagerOptions{
		Channel:       channel,
		PendingPath:   pendingPath,
		AllowlistPath: allowlistPath,
		Bootstrap:     bootstrapFor(cfg, channel),
	})
}

func bootstrapFor(cfg *config.Config, channel string) []string {
	if channel != "telegram" {
		return nil
	}
	ids := make([]string, 0, len(cfg.Channels.Telegram.Allowlist))
	for _, id := range cfg.Channels.Telegram.Allowlist {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	return ids
}
