package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gantry/internal/features"
	"gantry/internal/state"
	"gantry/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project, track, and feature status",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadProject()
		if err != nil {
			return err
		}

		fmt.Printf("Project:     %s\n", cfg.ProjectName)
		fmt.Printf("Base branch: %s\n", cfg.BaseBranch)
		if cfg.TracksConfigured {
			var names []string
			for _, t := range cfg.Tracks {
				name := t.Name
				if t.Default {
					name += " (default)"
				}
				names = append(names, name)
			}
			fmt.Printf("Tracks:      %s\n", strings.Join(names, ", "))
		} else {
			color.Yellow("Tracks:      not configured (run: gantry run --tracks ...)")
		}

		feats, err := features.NewStore(filepath.Join(root, cfg.FeaturesPath)).Load()
		if err != nil {
			return err
		}
		counts := map[models.FeatureStatus]int{}
		for _, f := range feats {
			counts[f.Status]++
		}
		fmt.Printf("\nFeatures: %d total\n", len(feats))
		fmt.Printf("  %s %d open\n", color.WhiteString("·"), counts[models.FeatureStatusOpen])
		fmt.Printf("  %s %d verifying\n", color.YellowString("·"), counts[models.FeatureStatusVerifying])
		fmt.Printf("  %s %d passed\n", color.GreenString("·"), counts[models.FeatureStatusPassed])
		fmt.Printf("  %s %d failed\n", color.RedString("·"), counts[models.FeatureStatusFailed])

		// Session counts are best-effort; the DB only exists after a run.
		if _, err := os.Stat(state.ProjectDBPath(root)); err == nil {
			db, err := state.OpenProject(root)
			if err != nil {
				return err
			}
			defer db.Close()
			total, err := db.GetSessionCount(state.SessionFilter{})
			if err != nil {
				return err
			}
			failed, err := db.GetSessionCount(state.SessionFilter{Status: models.SessionFailed})
			if err != nil {
				return err
			}
			fmt.Printf("\nSessions: %d recorded, %d failed\n", total, failed)
		}
		return nil
	},
}
