package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abduss/blobgate/internal/gateway"
)

var errNoSealKey = errors.New("BLOBGATE_SEAL_KEY is not set")

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage gateway users",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <display-name>",
		Short: "Create a user",
		Args:  requireExactlyArgs(1, "display name is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCore(cmd.Context(), func(core *gateway.Core) error {
				if core.Identity == nil {
					return errNoSealKey
				}
				user, err := core.Identity.CreateUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(user)
			})
		},
	})
	return cmd
}

func newKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage access keys",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "issue <user-id>",
			Short: "Issue an access key; the secret is printed once",
			Args:  requireExactlyArgs(1, "user id is required"),
			RunE: func(cmd *cobra.Command, args []string) error {
				userID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid user id: %w", err)
				}
				return a.withCore(cmd.Context(), func(core *gateway.Core) error {
					if core.Identity == nil {
						return errNoSealKey
					}
					creds, err := core.Identity.IssueAccessKey(cmd.Context(), userID)
					if err != nil {
						return err
					}
					return writeJSON(creds)
				})
			},
		},
		&cobra.Command{
			Use:   "revoke <access-key-id>",
			Short: "Revoke an access key",
			Args:  requireExactlyArgs(1, "access key id is required"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withCore(cmd.Context(), func(core *gateway.Core) error {
					if core.Identity == nil {
						return errNoSealKey
					}
					if err := core.Identity.Revoke(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Printf("revoked %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}
