package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/internal/daemon"
	"github.com/harun/courier/pkg/channels"
	"github.com/harun/courier/pkg/dispatch"
	"github.com/harun/courier/pkg/pipeline"
	"github.com/spf13/cobra"
)

const stdoutChannel = "stdout"

var runOpts struct {
	session  string
	prompt   string
	channel  string
	to       string
	provider string
	model    string
	mode     string
}

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run the agent once and deliver its reply",
	Long: `Run the configured agent backend once for a conversation and deliver
the reply blocks to a channel. The reply goes to stdout unless --channel
names a configured channel. The conversation's backend session is resumed
when one is stored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.session, "session", "", "session key (default <channel>:<to>)")
	f.StringVar(&runOpts.prompt, "prompt", "", "prompt text (or pass it as the argument)")
	f.StringVar(&runOpts.channel, "channel", stdoutChannel, "delivery channel")
	f.StringVar(&runOpts.to, "to", "", "delivery target on the channel")
	f.StringVar(&runOpts.provider, "provider", "", "agent backend (default from config)")
	f.StringVar(&runOpts.model, "model", "", "model passed to the backend")
	f.StringVar(&runOpts.mode, "mode", "", "dispatch mode: live or buffered (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := runOpts.prompt
	if prompt == "" && len(args) == 1 {
		prompt = args[0]
	}
	if strings.TrimSpace(prompt) == "" {
		return errors.New("a prompt is required (--prompt or argument)")
	}
	mode := dispatch.Policy(strings.ToLower(strings.TrimSpace(runOpts.mode)))
	if mode != "" && mode != dispatch.PolicyLive && mode != dispatch.PolicyBuffered {
		return fmt.Errorf("invalid --mode %q (want live or buffered)", runOpts.mode)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	channel := strings.ToLower(strings.TrimSpace(runOpts.channel))
	components, err := daemon.Build(cfg, log.GetZerolog(), runComponentOptions(cfg, channel, cmd))
	if err != nil {
		return err
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer components.Pipeline.Close(context.Background())

	resp, err := components.Pipeline.Reply(ctx, pipeline.Request{
		SessionKey: runOpts.session,
		Channel:    channel,
		To:         runOpts.to,
		Prompt:     prompt,
		Provider:   runOpts.provider,
		Model:      runOpts.model,
		Policy:     mode,
		SkipGate:   true,
	})
	if err != nil {
		return err
	}
	if resp.DeliveryErr != nil {
		return fmt.Errorf("reply delivery failed: %w", resp.DeliveryErr)
	}
	if !resp.Run.Succeeded() {
		return fmt.Errorf("agent run %s: %s (exit code %d)", resp.Run.RunID, resp.Run.Status, resp.Run.ExitCode)
	}
	return nil
}

// runComponentOptions registers the stdout writer and, for any other
// channel, the configured adapters.
func runComponentOptions(cfg *config.Config, channel string, cmd *cobra.Command) daemon.Options {
	stdout := channels.NewWriterAdapter(stdoutChannel, cmd.OutOrStdout(), channels.Outbound{})
	return daemon.Options{
		Adapters:     []channels.Adapter{stdout},
		SkipChannels: channel == "" || channel == stdoutChannel,
		Settings: channels.SettingsFunc(func(id string) bool {
			return id == stdoutChannel || cfg.IsConfigured(id)
		}),
	}
}
