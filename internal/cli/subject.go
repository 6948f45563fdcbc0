package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"guardian/internal/models"
)

// SubjectRegisterOptions holds flags for subject register.
type SubjectRegisterOptions struct {
	*RootOptions
	SubjectID      string
	GuardianID     string
	ContactName    string
	ContactAddress string
}

// NewSubjectCommand groups subject administration commands.
func NewSubjectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subject",
		Short: "Manage monitored subjects",
	}
	cmd.AddCommand(newSubjectRegisterCommand(rootOpts))
	return cmd
}

func newSubjectRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubjectRegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a subject profile",
		Long: `Register a monitored subject owned by a guardian. Profiles are normally
created by the external profile service; this command seeds them for
development and operations.

Examples:
  guardian subject register --id s-1 --guardian g-1
  guardian subject register --id s-1 --guardian g-1 --contact-name "Aunt May" --contact-address may@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build logger", err)
			}
			defer func() { _ = logger.Sync() }()

			store, err := openStorage(cfg, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open storage", err)
			}
			defer store.Close()

			profile := &models.SubjectProfile{
				SubjectID:  opts.SubjectID,
				GuardianID: opts.GuardianID,
			}
			if opts.ContactAddress != "" {
				profile.TrustedContact = &models.TrustedContact{Name: opts.ContactName, Address: opts.ContactAddress}
			}

			if err := store.profiles.Create(cmd.Context(), profile); err != nil {
				return WrapExitError(ExitCommandError, "failed to register subject", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Registered subject %s (guardian %s)\n", profile.SubjectID, profile.GuardianID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SubjectID, "id", "", "subject id (required)")
	cmd.Flags().StringVar(&opts.GuardianID, "guardian", "", "owning guardian id (required)")
	cmd.Flags().StringVar(&opts.ContactName, "contact-name", "", "trusted contact name")
	cmd.Flags().StringVar(&opts.ContactAddress, "contact-address", "", "trusted contact email, Telegram chat id or gateway handle")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("guardian")

	return cmd
}
