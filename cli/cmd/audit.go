package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/luryus/wden/audit"
)

var (
	auditSince    time.Duration
	auditAction   string
	auditFailures bool
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded security events",
	Long: `List the security events recorded for the profile: logins, unlocks,
locks, token refreshes and escrow operations. Requires audit logging to
be enabled in the profile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAudit()
	},
}

func init() {
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only events newer than this (e.g. 24h); zero means all")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "only events with this action (e.g. vault_unlock)")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed events")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events to print")
	rootCmd.AddCommand(auditCmd)
}

func runAudit() error {
	data, err := loadProfile()
	if err != nil {
		return err
	}
	if data.Options.Audit == nil || !data.Options.Audit.Enabled {
		return fmt.Errorf("audit logging is not enabled for profile %q; recreate it with --audit-file", profileName)
	}

	logger, err := audit.NewLogger(data.Options.Audit)
	if err != nil {
		return err
	}
	defer logger.Close()

	opts := audit.QueryOptions{
		ProfileID: data.Options.Audit.ProfileID,
		Action:    auditAction,
		Limit:     auditLimit,
	}
	if auditSince > 0 {
		since := time.Now().Add(-auditSince)
		opts.Since = &since
	}
	if auditFailures {
		failed := false
		opts.Success = &failed
	}

	result, err := logger.Query(opts)
	if err != nil {
		return err
	}
	if len(result.Events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOK\tDETAILS")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			event.Success,
			formatAuditMetadata(event),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("(%d of %d events; raise --limit to see more)\n", len(result.Events), result.Filtered)
	}
	return nil
}

// formatAuditMetadata flattens an event's metadata and error into one
// column, skipping the profile id the query already filtered on.
func formatAuditMetadata(event audit.Event) string {
	var parts []string
	for key, value := range event.Metadata {
		if key == "profile" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, value))
	}
	if event.Error != "" {
		parts = append(parts, "error="+event.Error)
	}
	return strings.Join(parts, " ")
}
