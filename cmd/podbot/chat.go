package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bdobrica/podbot/internal/podbot/api"
	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/roles"
)

const replHelp = `commands:
  /new       start a fresh session
  /history   print this session's transcript
  /memories  list long-term facts
  /quit      leave`

func newChatCmd(opts *globalOptions, open opener) *cobra.Command {
	var user, session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to PodBot interactively",
		Long:  "Starts a read-eval-print loop. Without --session a new session is created. Type /help for commands.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, open, func(svc api.Service) error {
				r := &repl{cmd: cmd, svc: svc, user: user, session: session}
				return r.run()
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVarP(&session, "session", "s", "", "resume this session instead of creating one")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

type repl struct {
	cmd     *cobra.Command
	svc     api.Service
	user    string
	session string
}

func (r *repl) run() error {
	ctx := r.cmd.Context()
	out := r.cmd.OutOrStdout()

	if r.session == "" {
		if err := r.newSession(); err != nil {
			return err
		}
	} else {
		conv, err := r.svc.LoadConversation(ctx, r.user, r.session)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s (%d turns)\n", color.HiBlackString("resuming"), r.session, len(conv.Transcript))
	}

	in := bufio.NewScanner(r.cmd.InOrStdin())
	in.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, color.GreenString("you> "))
		if !in.Scan() {
			fmt.Fprintln(out)
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, replHelp)
		case "/new":
			if err := r.newSession(); err != nil {
				return err
			}
		case "/history":
			conv, err := r.svc.LoadConversation(ctx, r.user, r.session)
			if err != nil {
				r.fail(err)
				continue
			}
			printConversation(out, conv)
		case "/memories":
			facts, err := r.svc.ListMemories(ctx, r.user)
			if err != nil {
				r.fail(err)
				continue
			}
			for _, f := range facts {
				fmt.Fprintf(out, "  • %s\n", f.Content)
			}
		default:
			conv, err := r.svc.SendMessage(ctx, r.user, r.session, line)
			if err != nil {
				r.fail(err)
				continue
			}
			if reply, ok := newestReply(conv); ok {
				fmt.Fprintf(out, "%s %s\n", color.CyanString("podbot>"), reply)
			}
		}
	}
}

func (r *repl) newSession() error {
	s, err := r.svc.CreateSession(r.cmd.Context(), r.user)
	if err != nil {
		return err
	}
	r.session = s.ID
	fmt.Fprintf(r.cmd.OutOrStdout(), "%s %s\n", color.HiBlackString("session"), s.ID)
	return nil
}

// fail reports an error and keeps the loop going; the session is unchanged
// when a send fails before the memory write.
func (r *repl) fail(err error) {
	fmt.Fprintf(r.cmd.ErrOrStderr(), "%s %v\n", color.RedString("error:"), err)
}

func newestReply(conv *chat.Conversation) (string, bool) {
	for i := len(conv.Transcript) - 1; i >= 0; i-- {
		if conv.Transcript[i].Role == roles.TranscriptPodbot {
			return conv.Transcript[i].Content, true
		}
	}
	return "", false
}
