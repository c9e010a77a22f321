package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/interchat/core/internal/config"
	"github.com/interchat/core/internal/hubmgmt"
	"github.com/interchat/core/internal/model"
	"github.com/interchat/core/internal/transport/discord"
	"github.com/interchat/core/internal/webhook"
)

func hubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Manage Hubs and Connections",
	}
	cmd.AddCommand(hubCreateCmd())
	cmd.AddCommand(hubJoinCmd())
	cmd.AddCommand(hubLeaveCmd())
	cmd.AddCommand(hubDeleteCmd())
	return cmd
}

func newHubManager() (*hubmgmt.Manager, func(), error) {
	db, c, cleanup, err := openCLIStore()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	chatTransport, err := discord.New(cfg.Discord)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create discord transport: %w", err)
	}
	prov := webhook.New(chatTransport, db)

	return hubmgmt.New(db, db, c, prov), cleanup, nil
}

func hubCreateCmd() *cobra.Command {
	var description string
	var public bool
	cmd := &cobra.Command{
		Use:   "create <owner-user-id> <name>",
		Short: "Create a new Hub",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newHubManager()
			if err != nil {
				return err
			}
			defer cleanup()

			visibility := model.VisibilityPrivate
			if public {
				visibility = model.VisibilityPublic
			}
			hub, err := mgr.CreateHub(cmd.Context(), args[0], args[1], description, visibility)
			if err != nil {
				return err
			}
			fmt.Printf("created hub %s (%s)\n", hub.Name, hub.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "hub description")
	cmd.Flags().BoolVar(&public, "public", false, "make the hub publicly discoverable")
	return cmd
}

func hubJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <hub-id> <channel-id> <server-id>",
		Short: "Connect a channel to a Hub",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newHubManager()
			if err != nil {
				return err
			}
			defer cleanup()

			conn, err := mgr.JoinHub(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("channel %s joined hub %s (webhook %s)\n", conn.ChannelID, conn.HubID, conn.WebhookURL)
			return nil
		},
	}
}

func hubLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <channel-id>",
		Short: "Disconnect a channel from its Hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newHubManager()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.LeaveHub(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("channel %s left its hub\n", args[0])
			return nil
		},
	}
}

func hubDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <hub-id>",
		Short: "Delete a Hub and all its Connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := newHubManager()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.DeleteHub(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted hub %s\n", args[0])
			return nil
		},
	}
}
