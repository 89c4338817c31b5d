package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bluetooth-sched/internal/task"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings and task profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if used := a.v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(out, "config file: %s\n\n", used)
			} else {
				fmt.Fprintf(out, "config file: (none, using defaults)\n\n")
			}
			keys := a.v.AllKeys()
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(out, "%s = %v\n", key, a.v.Get(key))
			}

			profiles, err := a.cfg.Profiles()
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tPRIORITY\tINTERRUPTIBLE\tTIMEOUT")
			for _, kind := range task.Kinds() {
				p := profiles.Profile(kind)
				timeout := p.Timeout.String()
				if p.Timeout == 0 {
					timeout = "none"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", kind, p.Priority, p.Interruptible, timeout)
			}
			return tw.Flush()
		},
	})
	return cmd
}
