package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/crypto"
	"github.com/jmcleod/strongbox/internal/config"
)

var (
	baseURL   string
	dataDir   string
	logLevel  int
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "strongbox",
	Short: "Strongbox stores files encrypted before they leave your machine",
	Long: `A client for end-to-end encrypted file storage with two-factor sign-in.
Files are encrypted locally; the server only ever sees ciphertext.
Complete documentation is available at https://github.com/jmcleod/strongbox`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		if hint := hintFor(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "API base URL (overrides "+config.Prefix+"BASE_URL)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for the local session and upload catalog (overrides "+config.Prefix+"DATA_DIR)")
	rootCmd.PersistentFlags().IntVar(&logLevel, "log-level", 0, "slog level: -4 debug, 0 info, 4 warn, 8 error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

// loadConfig reads the environment and applies any flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = baseURL
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// hintFor suggests what to do next about err.
func hintFor(err error) string {
	if errors.Is(err, crypto.ErrIntegrity) {
		return "hint: the file failed its integrity check; check the name, salt and nonce, or treat the stored copy as corrupted"
	}
	switch apierr.Classify(err) {
	case apierr.Reauthenticate:
		return "hint: sign in again with `strongbox login`"
	case apierr.Retry:
		var serr *apierr.ServerError
		if errors.As(err, &serr) && serr.RetryAfter > 0 {
			return fmt.Sprintf("hint: try again in %s", serr.RetryAfter.Round(time.Second))
		}
		return "hint: this looks temporary; try again"
	case apierr.FixInput:
		return "hint: correct the input and try again"
	default:
		return ""
	}
}
