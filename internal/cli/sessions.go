package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/courier/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsTail int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recently used first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show a session's backend tokens and transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	sessionsShowCmd.Flags().IntVar(&sessionsTail, "tail", 20, "number of transcript records to show (0 for all)")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := session.OpenStore(cfg.Sessions.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		cmd.Println("No sessions.")
		return nil
	}
	for _, s := range summaries {
		cmd.Printf("%s | providers: %d | updated: %s\n", s.Key, s.Providers, s.UpdatedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	if err := session.ValidateKey(key); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := session.OpenStore(cfg.Sessions.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Load(cmd.Context(), key)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("session %q not found", key)
	}
	if err != nil {
		return err
	}

	cmd.Printf("Session: %s\n", entry.Key())
	cmd.Printf("Created: %s\n", entry.CreatedAt().Local().Format(time.RFC3339))
	cmd.Printf("Updated: %s\n", entry.UpdatedAt().Local().Format(time.RFC3339))
	if id := entry.CLISessionID(); id != "" {
		cmd.Printf("Last CLI session: %s\n", id)
	}
	tokens := entry.Tokens()
	providers := make([]string, 0, len(tokens))
	for p := range tokens {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	for _, p := range providers {
		cmd.Printf("  %s: %s\n", p, tokens[p])
	}

	transcripts, err := session.NewTranscriptWriter(cfg.Sessions.TranscriptDir)
	if err != nil {
		return err
	}
	records, err := transcripts.Load(cmd.Context(), key)
	if err != nil {
		return err
	}
	if sessionsTail > 0 && len(records) > sessionsTail {
		records = records[len(records)-sessionsTail:]
	}
	if len(records) > 0 {
		cmd.Println("Transcript:")
	}
	for _, r := range records {
		cmd.Printf("[%s] %s", r.Timestamp.Local().Format(time.Kitchen), r.Kind)
		if r.ToolName != "" {
			cmd.Printf(" (%s)", r.ToolName)
		}
		if !r.Delivered {
			cmd.Print(" [not delivered]")
		}
		cmd.Printf(": %s\n", oneLine(r.Text, 120))
	}
	return nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
