package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bdobrica/podbot/internal/podbot/api"
	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/roles"
)

func newSessionsCmd(opts *globalOptions, open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, create, show and clear a user's sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(opts, open),
		newSessionsCreateCmd(opts, open),
		newSessionsShowCmd(opts, open),
		newSessionsClearCmd(opts, open),
	)
	return cmd
}

func newSessionsListCmd(opts *globalOptions, open opener) *cobra.Command {
	var (
		user   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, open, func(svc api.Service) error {
				sessions, err := svc.ListSessions(cmd.Context(), user)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), sessions)
				}
				if len(sessions) == 0 {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return err
				}
				for _, s := range sessions {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n",
						s.ID, color.HiBlackString(s.LastActive.Local().Format(time.DateTime)))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSessionsCreateCmd(opts *globalOptions, open opener) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty session and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, open, func(svc api.Service) error {
				s, err := svc.CreateSession(cmd.Context(), user)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), s.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSessionsShowCmd(opts *globalOptions, open opener) *cobra.Command {
	var (
		user, session string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a session's transcript and memory context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, open, func(svc api.Service) error {
				conv, err := svc.LoadConversation(cmd.Context(), user, session)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), conv)
				}
				printConversation(cmd.OutOrStdout(), conv)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSessionsClearCmd(opts *globalOptions, open opener) *cobra.Command {
	var user, session string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete a session from working memory, the transcript and the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, open, func(svc api.Service) error {
				if err := svc.ClearSession(cmd.Context(), user, session); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s cleared %s\n", color.GreenString("✓"), session)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func printConversation(w io.Writer, conv *chat.Conversation) {
	if conv.Context.Summary != "" {
		fmt.Fprintf(w, "%s %s\n\n", color.YellowString("summary:"), conv.Context.Summary)
	}
	for _, t := range conv.Transcript {
		fmt.Fprintf(w, "%s %s\n", speaker(t.Role), t.Content)
	}
	if len(conv.Context.RelevantFacts) > 0 {
		fmt.Fprintln(w, "\n"+color.YellowString("relevant facts:"))
		for _, f := range conv.Context.RelevantFacts {
			fmt.Fprintf(w, "  • %s\n", f.Content)
		}
	}
}

func speaker(role roles.TranscriptRole) string {
	if role == roles.TranscriptPodbot {
		return color.CyanString("podbot>")
	}
	return color.GreenString("you>")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
