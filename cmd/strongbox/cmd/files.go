package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/strongbox/files"
)

var (
	uploadName     string
	uploadProgress bool

	downloadOut   string
	downloadName  string
	downloadSalt  string
	downloadNonce string
	downloadRaw   bool
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Upload, download and share encrypted files",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List files you own or that were shared with you",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			list, err := a.files.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tOWNER\tSHARED\tCREATED\tLOCAL KEYS")
			for _, f := range list {
				local := "no"
				if _, err := a.catalog.Get(f.ID); err == nil {
					local = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
					f.ID, f.Name, f.FileSize, f.Owner.Email, f.SharedWithCount,
					f.CreatedAt.Local().Format(time.DateTime), local)
			}
			return tw.Flush()
		})
	},
}

var filesUploadCmd = &cobra.Command{
	Use:   "upload PATH",
	Short: "Encrypt a file locally and upload it",
	Long: `Encrypt a file locally and upload it. The salt and nonce needed to
decrypt it again are kept in the local catalog and printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		name := uploadName
		if name == "" {
			name = filepath.Base(args[0])
		}

		var opts []files.Option
		if uploadProgress {
			errw := cmd.ErrOrStderr()
			opts = append(opts, files.WithProgress(func(sent, total int64) {
				fmt.Fprintf(errw, "\rstaged %d/%d bytes", sent, total)
				if sent == total {
					fmt.Fprintln(errw)
				}
			}))
		}

		return withApp(cmd, func(a *app) error {
			uploaded, err := a.files.Upload(cmd.Context(), name, f, info.Size())
			if err != nil {
				return err
			}
			if err := a.catalog.Record(uploaded); err != nil {
				a.log.Warn("upload not cataloged", "file_id", uploaded.ID, "error", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Uploaded %s\n", uploaded.Name)
			fmt.Fprintf(out, "  id:    %s\n", uploaded.ID)
			fmt.Fprintf(out, "  salt:  %s\n", uploaded.EncryptionSalt)
			fmt.Fprintf(out, "  nonce: %s\n", uploaded.EncryptionNonce)
			return nil
		}, opts...)
	},
}

var filesDownloadCmd = &cobra.Command{
	Use:   "download ID",
	Short: "Download and decrypt a file",
	Long: `Download a file and decrypt it. The name, salt and nonce come from
the flags or, when omitted, from the local catalog. --raw writes the
ciphertext as stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		return withApp(cmd, func(a *app) error {
			ctx := cmd.Context()
			var (
				data []byte
				name = downloadName
				err  error
			)
			if downloadRaw {
				data, err = a.files.Download(ctx, id)
				if name == "" {
					name = id + ".enc"
				}
			} else {
				salt, nonce := downloadSalt, downloadNonce
				if name == "" || salt == "" || nonce == "" {
					entry, cerr := a.catalog.Get(id)
					if cerr != nil {
						if errors.Is(cerr, files.ErrNotCataloged) {
							return fmt.Errorf("no local keys for %s: pass --name, --salt and --nonce, or --raw", id)
						}
						return cerr
					}
					name, salt, nonce = firstNonEmpty(name, entry.Name), firstNonEmpty(salt, entry.Salt), firstNonEmpty(nonce, entry.Nonce)
				}
				data, err = a.files.DownloadDecrypted(ctx, id, name, salt, nonce)
			}
			if err != nil {
				return err
			}

			out := downloadOut
			if out == "" {
				out = filepath.Base(name)
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), out)
			return nil
		})
	},
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

var filesShareCmd = &cobra.Command{
	Use:   "share ID USER_ID",
	Short: "Share a file with another user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user ID %q", args[1])
		}
		return withApp(cmd, func(a *app) error {
			res, err := a.files.Share(cmd.Context(), args[0], userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", res.Message, res.SharedWith.Email)
			return nil
		})
	},
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a file you own",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.files.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := a.catalog.Delete(args[0]); err != nil {
				a.log.Warn("catalog entry not removed", "file_id", args[0], "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	filesUploadCmd.Flags().StringVar(&uploadName, "name", "", "Name to store the file under (default: base name of PATH)")
	filesUploadCmd.Flags().BoolVar(&uploadProgress, "progress", false, "Report upload progress on stderr")

	filesDownloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "Output path (default: the file name)")
	filesDownloadCmd.Flags().StringVar(&downloadName, "name", "", "Name the file was uploaded under")
	filesDownloadCmd.Flags().StringVar(&downloadSalt, "salt", "", "Base64 encryption salt")
	filesDownloadCmd.Flags().StringVar(&downloadNonce, "nonce", "", "Base64 encryption nonce")
	filesDownloadCmd.Flags().BoolVar(&downloadRaw, "raw", false, "Write the ciphertext without decrypting")

	filesCmd.AddCommand(filesListCmd, filesUploadCmd, filesDownloadCmd, filesShareCmd, filesDeleteCmd)
	rootCmd.AddCommand(filesCmd)
}
