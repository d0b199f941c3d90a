package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var mfaQROut string

var mfaCmd = &cobra.Command{
	Use:   "mfa",
	Short: "Manage two-factor authentication",
}

var mfaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether two-factor authentication is enabled",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			st, err := a.auth.MFAStatus(cmd.Context())
			if err != nil {
				return err
			}
			if st.Enabled {
				fmt.Fprintf(cmd.OutOrStdout(), "Two-factor authentication is enabled (%d device(s))\n", st.DevicesCount)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Two-factor authentication is disabled")
			}
			return nil
		})
	},
}

var mfaSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Start enrolling an authenticator app",
	Long: `Start enrolling an authenticator app. Add the printed provisioning URL
to the app, then finish with "strongbox mfa confirm CODE".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			enr, err := a.auth.BeginEnrollment(cmd.Context())
			if err != nil {
				return err
			}
			if mfaQROut != "" {
				img, err := enr.QRCodeImage()
				if err != nil {
					return fmt.Errorf("decoding QR code: %w", err)
				}
				if err := os.WriteFile(mfaQROut, img, 0o600); err != nil {
					return fmt.Errorf("writing QR code: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), enr.SecretKey)
			return nil
		})
	},
}

var mfaConfirmCmd = &cobra.Command{
	Use:   "confirm CODE",
	Short: "Finish enrollment with a code from the authenticator app",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.auth.ConfirmEnrollment(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Two-factor authentication enabled")
			return nil
		})
	},
}

var mfaDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn off two-factor authentication",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.auth.DisableMFA(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Two-factor authentication disabled")
			return nil
		})
	},
}

func init() {
	mfaSetupCmd.Flags().StringVar(&mfaQROut, "qr-out", "", "Also write the provisioning image to this file")
	mfaCmd.AddCommand(mfaStatusCmd, mfaSetupCmd, mfaConfirmCmd, mfaDisableCmd)
	rootCmd.AddCommand(mfaCmd)
}
