package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gantry/internal/state"
	"gantry/pkg/models"
)

var (
	sessionFeatureFlag int
	sessionTrackFlag   string
	sessionStatusFlag  string
	sessionLimitFlag   int
	sessionOffsetFlag  int
	purgeOlderThanFlag time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _, err := loadProject()
		if err != nil {
			return err
		}
		db, err := state.OpenProject(root)
		if err != nil {
			return err
		}
		defer db.Close()

		filter := state.SessionFilter{
			FeatureID: sessionFeatureFlag,
			Track:     sessionTrackFlag,
			Status:    models.SessionStatus(sessionStatusFlag),
		}
		sessions, err := db.GetSessions(filter, sessionLimitFlag, sessionOffsetFlag)
		if err != nil {
			return err
		}
		total, err := db.GetSessionCount(filter)
		if err != nil {
			return err
		}

		for _, s := range sessions {
			dur := ""
			if s.DurationMs > 0 {
				dur = fmt.Sprintf(" %s", (time.Duration(s.DurationMs) * time.Millisecond).Round(time.Second))
			}
			fmt.Printf("%s %s feature #%-4d %-14s %s%s\n",
				sessionStatusLabel(s.Status),
				s.StartedAt.Format("2006-01-02 15:04"),
				s.FeatureID, s.Track, shortID(s.ID), dur)
			if s.Error != "" {
				color.Red("  %s", s.Error)
			}
		}
		fmt.Printf("%d of %d sessions\n", len(sessions), total)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete sessions older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, _, err := loadProject()
		if err != nil {
			return err
		}
		db, err := state.OpenProject(root)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.PurgeOldSessions(purgeOlderThanFlag)
		if err != nil {
			return err
		}
		color.Green("purged %d sessions older than %s", n, purgeOlderThanFlag)
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionFeatureFlag, "feature", 0, "filter by feature id")
	sessionsCmd.Flags().StringVar(&sessionTrackFlag, "track", "", "filter by track name")
	sessionsCmd.Flags().StringVar(&sessionStatusFlag, "status", "", "filter by status (running|passed|failed|error)")
	sessionsCmd.Flags().IntVar(&sessionLimitFlag, "limit", 20, "maximum sessions to list")
	sessionsCmd.Flags().IntVar(&sessionOffsetFlag, "offset", 0, "sessions to skip")

	purgeCmd.Flags().DurationVar(&purgeOlderThanFlag, "older-than", 30*24*time.Hour, "delete sessions started before now minus this duration")
	sessionsCmd.AddCommand(purgeCmd)
}

func sessionStatusLabel(s models.SessionStatus) string {
	switch s {
	case models.SessionPassed:
		return color.GreenString("pass")
	case models.SessionFailed:
		return color.RedString("fail")
	case models.SessionError:
		return color.RedString("err ")
	default:
		return color.YellowString("run ")
	}
}
