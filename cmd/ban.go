package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/moderation"
)

func banCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban",
		Short: "Manage user and server bans",
	}
	cmd.AddCommand(banUserCmd())
	cmd.AddCommand(unbanUserCmd())
	cmd.AddCommand(banServerCmd())
	cmd.AddCommand(unbanServerCmd())
	return cmd
}

func newModeration() (*moderation.Moderation, func(), error) {
	db, _, cleanup, err := openCLIStore()
	if err != nil {
		return nil, nil, err
	}
	return moderation.New(db, db, db), cleanup, nil
}

func parseBanType(permanent bool, duration time.Duration) (model.BanType, error) {
	if permanent {
		return model.BanTypePermanent, nil
	}
	if duration <= 0 {
		return "", fmt.Errorf("--duration is required for a temporary ban")
	}
	return model.BanTypeTemporary, nil
}

func banUserCmd() *cobra.Command {
	var reason string
	var permanent bool
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "user <user-id> <moderator-user-id>",
		Short: "Ban a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			banType, err := parseBanType(permanent, duration)
			if err != nil {
				return err
			}
			mod, cleanup, err := newModeration()
			if err != nil {
				return err
			}
			defer cleanup()

			ban, err := mod.CreateBan(cmd.Context(), args[0], args[1], reason, banType, duration)
			if err != nil {
				return err
			}
			fmt.Printf("banned user %s (ban id %s, type %s)\n", ban.SubjectUserID, ban.ID, ban.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "ban reason")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "issue a permanent ban")
	cmd.Flags().DurationVar(&duration, "duration", 0, "ban duration for a temporary ban (e.g. 72h)")
	return cmd
}

func unbanUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban-user <user-id> <moderator-user-id>",
		Short: "Revoke a user's active ban",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, cleanup, err := newModeration()
			if err != nil {
				return err
			}
			defer cleanup()

			ban, err := mod.RevokeBan(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("revoked ban %s for user %s\n", ban.ID, ban.SubjectUserID)
			return nil
		},
	}
}

func banServerCmd() *cobra.Command {
	var reason string
	var permanent bool
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "server <server-id> <moderator-user-id>",
		Short: "Ban a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			banType, err := parseBanType(permanent, duration)
			if err != nil {
				return err
			}
			mod, cleanup, err := newModeration()
			if err != nil {
				return err
			}
			defer cleanup()

			ban, err := mod.CreateServerBan(cmd.Context(), args[0], args[1], reason, banType, duration)
			if err != nil {
				return err
			}
			fmt.Printf("banned server %s (ban id %s, type %s)\n", ban.SubjectServerID, ban.ID, ban.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "ban reason")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "issue a permanent ban")
	cmd.Flags().DurationVar(&duration, "duration", 0, "ban duration for a temporary ban (e.g. 72h)")
	return cmd
}

func unbanServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unban-server <server-id> <moderator-user-id>",
		Short: "Revoke a server's active ban",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, cleanup, err := newModeration()
			if err != nil {
				return err
			}
			defer cleanup()

			ban, err := mod.RevokeServerBan(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("revoked ban %s for server %s\n", ban.ID, ban.SubjectServerID)
			return nil
		},
	}
}
