package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/strongbox/apierr"
	"github.com/jmcleod/strongbox/auth"
	"github.com/jmcleod/strongbox/session"
)

const maxCodeAttempts = 3

var (
	loginEmail string
	loginCode  string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session locally",
	Long: `Sign in with email and password. The password is read from the
terminal without echo, or from the first line of standard input.
When two-factor authentication is enabled the authenticator code is
taken from --code or prompted for.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newPrompter(cmd)
		email := loginEmail
		if email == "" {
			var err error
			if email, err = p.line("Email: "); err != nil {
				return err
			}
		}
		password, err := p.secret("Password: ")
		if err != nil {
			return err
		}

		return withApp(cmd, func(a *app) error {
			ctx := cmd.Context()
			state, err := a.auth.Login(ctx, auth.Credential{Email: email, Password: password})
			if err != nil {
				return err
			}
			if state == session.MFARequired {
				if err := verifySecondFactor(cmd, a, p); err != nil {
					a.auth.CancelMFA()
					return err
				}
			}
			sess, _ := a.store.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", sess.User.Email)
			return nil
		})
	},
}

// verifySecondFactor answers the pending challenge. A code given on the
// command line gets one attempt; prompted codes get maxCodeAttempts.
func verifySecondFactor(cmd *cobra.Command, a *app, p *prompter) error {
	if loginCode != "" {
		_, err := a.auth.VerifyMFA(cmd.Context(), loginCode)
		return err
	}
	var lastErr error
	for range maxCodeAttempts {
		code, err := p.line("Authentication code: ")
		if err != nil {
			return err
		}
		_, err = a.auth.VerifyMFA(cmd.Context(), code)
		if err == nil {
			return nil
		}
		var verr *apierr.ValidationError
		if !errors.Is(err, apierr.ErrMFAFailed) && !errors.As(err, &verr) {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
		lastErr = err
	}
	return lastErr
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and forget it locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.auth.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the locally stored session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			out := cmd.OutOrStdout()
			sess, ok := a.store.Get()
			if !ok {
				fmt.Fprintf(out, "Not signed in (%s)\n", a.cfg.BaseURL)
				return nil
			}
			fmt.Fprintf(out, "Signed in to %s as %s (user %d)\n", a.cfg.BaseURL, sess.User.Email, sess.User.ID)
			return nil
		})
	},
}

var (
	registerEmail    string
	registerUsername string
	registerFullName string
	registerPhone    string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := newPrompter(cmd)
		password, err := p.secret("Password: ")
		if err != nil {
			return err
		}
		confirm, err := p.secret("Confirm password: ")
		if err != nil {
			return err
		}
		return withApp(cmd, func(a *app) error {
			user, err := a.auth.Register(cmd.Context(), auth.Registration{
				Email:           registerEmail,
				Username:        registerUsername,
				Password:        password,
				ConfirmPassword: confirm,
				FullName:        registerFullName,
				PhoneNumber:     registerPhone,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (user %d); sign in with `strongbox login`\n", user.Email, user.ID)
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (prompted when empty)")
	loginCmd.Flags().StringVar(&loginCode, "code", "", "Six-digit authenticator code")

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Account email")
	registerCmd.Flags().StringVar(&registerUsername, "username", "", "Username")
	registerCmd.Flags().StringVar(&registerFullName, "full-name", "", "Full name")
	registerCmd.Flags().StringVar(&registerPhone, "phone", "", "Phone number")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("username")
	_ = registerCmd.MarkFlagRequired("full-name")

	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd, registerCmd)
}
