package cli

import (
	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Inspect delivery channels",
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels and whether they are configured",
	Args:  cobra.NoArgs,
	RunE:  runChannelsList,
}

func init() {
	channelsCmd.AddCommand(channelsListCmd)
	rootCmd.AddCommand(channelsCmd)
}

func runChannelsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cmd.Printf("%-10s %-10s %s\n", "CHANNEL", "STATUS", "DM POLICY")
	for _, id := range []string{"telegram", "gateway"} {
		cmd.Printf("%-10s %-10s %s\n", id, enabledLabel(cfg.IsConfigured(id)), cfg.DMPolicy(id))
	}
	cmd.Printf("%-10s %-10s %s\n", stdoutChannel, "enabled", "-")
	return nil
}
