package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gantry/internal/features"
	"gantry/pkg/models"
)

var featureStatusFlag string

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "List features and their current status",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, cfg, err := loadProject()
		if err != nil {
			return err
		}

		feats, err := features.NewStore(filepath.Join(root, cfg.FeaturesPath)).Load()
		if err != nil {
			return err
		}

		shown := 0
		for _, f := range feats {
			if featureStatusFlag != "" && string(f.Status) != featureStatusFlag {
				continue
			}
			shown++
			fmt.Printf("%s #%-4d [%s] %s\n", statusDot(f.Status), f.ID, f.Category, f.Name)
			if f.Status == models.FeatureStatusFailed && f.FailureReason != "" {
				color.Red("         %s: %s", f.FailureKind, f.FailureReason)
			}
			if f.Progress != "" {
				fmt.Printf("         %s\n", f.Progress)
			}
		}
		if shown == 0 {
			fmt.Println("no features")
		}
		return nil
	},
}

func init() {
	featuresCmd.Flags().StringVar(&featureStatusFlag, "status", "", "filter by status (open|verifying|passed|failed)")
}

func statusDot(s models.FeatureStatus) string {
	switch s {
	case models.FeatureStatusPassed:
		return color.GreenString("✓")
	case models.FeatureStatusFailed:
		return color.RedString("✗")
	case models.FeatureStatusVerifying:
		return color.YellowString("~")
	default:
		return color.WhiteString("·")
	}
}
