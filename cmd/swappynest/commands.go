package main

import (
	"github.com/spf13/cobra"
)

func buildLoginCmd(opts *globalOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts, email)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email (prompted when omitted)")
	return cmd
}

func buildLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd, opts)
		},
	}
}

func buildStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state and profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}
}

func buildConversationsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"convs"},
		Short:   "List your conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversations(cmd, opts)
		},
	}
}

func buildChatCmd(opts *globalOptions) *cobra.Command {
	var (
		conversationID int64
		peerID         int64
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation and chat interactively",
		Long: `Open a conversation and chat from stdin.

Each line is sent as a message. Commands:
  /product <id> <name>   share a product
  /history               reload stored messages
  /quit                  leave the conversation`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, conversationID, peerID)
		},
	}
	cmd.Flags().Int64Var(&conversationID, "conversation", 0, "Conversation ID as listed by the conversations command")
	cmd.Flags().Int64Var(&peerID, "peer", 0, "User ID to chat with when no conversation ID is known")
	cmd.MarkFlagsMutuallyExclusive("conversation", "peer")
	cmd.MarkFlagsOneRequired("conversation", "peer")
	return cmd
}

func buildConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the config file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the config file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, opts)
			},
		},
	)
	return cmd
}
