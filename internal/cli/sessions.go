package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/pkg/sessionstore"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored conversation sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversation sessions",
	RunE:  runSessionsList,
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Reset a conversation session by key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsReset,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsResetCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func loadSessionStore() (*sessionstore.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	dir := filepath.Join(cfg.DataDir, "sessions")
	legacy := filepath.Join(cfg.DataDir, "session.json")
	return sessionstore.New(dir, legacy)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := loadSessionStore()
	if err != nil {
		return err
	}

	sessions, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		cmd.Println("No stored sessions.")
		return nil
	}

	for _, sess := range sessions {
		cmd.Printf("%-30s %s  %d turn(s), created %s\n",
			sess.Key, sess.SessionID, sess.MessageCount,
			sess.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runSessionsReset(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	store, err := loadSessionStore()
	if err != nil {
		return err
	}

	sess, err := store.Reset(key)
	if err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}

	cmd.Printf("Session for %q reset (new session %s)\n", key, sess.SessionID)
	return nil
}
