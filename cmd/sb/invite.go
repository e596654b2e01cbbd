package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/session"
)

func newInviteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "invite <visitor-id>",
		Short: "Invite a live visitor to chat",
		Long:  "Opens a support conversation for the visitor and asks their widget to show it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, configPath, func(ctx context.Context, s *session.Session) error {
				inv, err := s.Invite(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Invited %s (room %s, conversation %s)\n", inv.VisitorID, inv.Room, inv.ConversationID)
				return nil
			})
		},
	}
	addConfigFlags(cmd, &configPath, nil)
	return cmd
}
