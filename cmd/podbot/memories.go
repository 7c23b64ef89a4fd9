package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bdobrica/podbot/internal/podbot/api"
)

func newMemoriesCmd(opts *globalOptions, open opener) *cobra.Command {
	var (
		user   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "List the long-term facts the memory server holds for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, opts, open, func(svc api.Service) error {
				facts, err := svc.ListMemories(cmd.Context(), user)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), facts)
				}
				out := cmd.OutOrStdout()
				if len(facts) == 0 {
					_, err := fmt.Fprintln(out, "no memories")
					return err
				}
				for _, f := range facts {
					fmt.Fprintf(out, "• %s", f.Content)
					if len(f.Topics) > 0 {
						fmt.Fprintf(out, " %s", color.HiBlackString("["+strings.Join(f.Topics, ", ")+"]"))
					}
					fmt.Fprintln(out)
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
