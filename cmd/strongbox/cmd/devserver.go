package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/strongbox/internal/fakeapi"
	"github.com/jmcleod/strongbox/internal/logger"
)

var (
	devAddr         string
	devUsers        []string
	devMFAUsers     []string
	devExpireAccess time.Duration
)

var devServerCmd = &cobra.Command{
	Use:   "dev-server",
	Short: "Run an in-memory API server for local development",
	Long: `Run an in-memory implementation of the storage API. Nothing is
persisted. Seed accounts with --user email:password and turn on the
second factor for some of them with --mfa email.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(logLevel, "text", cmd.ErrOrStderr())
		fake := fakeapi.New(fakeapi.WithLogger(log.Logger))
		out := cmd.OutOrStdout()

		if err := seedUsers(fake, devUsers, devMFAUsers, out); err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", fake.Router())

		server := &http.Server{
			Addr:              devAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(out)
		fmt.Fprintf(out, "Listening on http://%s\n", devAddr)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if devExpireAccess > 0 {
			go func() {
				t := time.NewTicker(devExpireAccess)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-t.C:
						fake.ExpireAccessTokens()
						log.Debug("access tokens expired")
					}
				}
			}()
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// seedUsers creates the accounts given as email:password and enables the
// second factor for mfaEmails, printing each TOTP secret.
func seedUsers(fake *fakeapi.Server, users, mfaEmails []string, out io.Writer) error {
	for _, entry := range users {
		email, password, ok := strings.Cut(entry, ":")
		if !ok || email == "" || password == "" {
			return fmt.Errorf("--user %q: want email:password", entry)
		}
		id, err := fake.AddUser(fakeapi.User{Email: email, Password: password, FullName: email})
		if err != nil {
			return fmt.Errorf("--user %s: %w", email, err)
		}
		fmt.Fprintf(out, "Seeded user %d: %s\n", id, email)
	}
	for _, email := range mfaEmails {
		secret, err := fake.EnableMFA(email)
		if err != nil {
			return fmt.Errorf("--mfa %s: %w", email, err)
		}
		fmt.Fprintf(out, "Two-factor secret for %s: %s\n", email, secret)
	}
	return nil
}

func init() {
	devServerCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:8000", "Address to listen on")
	devServerCmd.Flags().StringArrayVar(&devUsers, "user", nil, "Seed an account as email:password (repeatable)")
	devServerCmd.Flags().StringArrayVar(&devMFAUsers, "mfa", nil, "Enable the second factor for a seeded email (repeatable)")
	devServerCmd.Flags().DurationVar(&devExpireAccess, "expire-access", 0, "Invalidate all access tokens at this interval")
	rootCmd.AddCommand(devServerCmd)
}
