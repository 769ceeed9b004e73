package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/suppression"
)

func (c *cli) suppressionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppressions",
		Short: "Inspect suppression rules",
	}

	var (
		configPath string
		target     string
		days       int
	)
	expiring := &cobra.Command{
		Use:   "expiring",
		Short: "List suppressions that expire within the given number of days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return errors.NewConfigError("--days must not be negative")
			}
			rc, _, err := resolveRunConfig(configPath, target)
			if err != nil {
				return err
			}

			matcher := suppression.Matcher{Logger: c.logger}
			rules := matcher.CheckForExpiringSuppressions(rc.Suppressions, days)
			if len(rules) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No suppressions expire within %d days\n", days)
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXPIRES\tRULE\tPATH\tREASON")
			for _, r := range rules {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Expiration, r.RuleID, r.Path, r.Reason)
			}
			return tw.Flush()
		},
	}
	expiring.Flags().StringVarP(&configPath, "config", "c", "", "run config file")
	expiring.Flags().StringVarP(&target, "target", "t", ".", "directory whose run config is used when --config is not set")
	expiring.Flags().IntVar(&days, "days", suppression.DefaultExpiryThresholdDays, "look-ahead window in days")

	cmd.AddCommand(expiring)
	return cmd
}
