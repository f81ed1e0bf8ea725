package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gantry/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default gantry.json in the project root",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}

		path := filepath.Join(root, config.FileName)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", path)
		}

		if err := config.Save(root, config.Default()); err != nil {
			return err
		}
		color.Green("wrote %s", path)
		fmt.Println("Edit the config, add features to features.json, then run: gantry run")
		return nil
	},
}
