package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"packwise/internal/config"
	perrors "packwise/internal/errors"
	"packwise/internal/project"
)

var (
	initForce  bool
	initEngine string
)

var initCmd = &cobra.Command{
	Use:   "init [project-dir]",
	Short: "Write a default packwise configuration",
	Long: `Creates .packwise/config.json with default settings in the project root.
Running it again leaves an existing configuration alone unless --force is
given. Session history is kept either way.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing configuration")
	initCmd.Flags().StringVar(&initEngine, "engine", "pyinstaller", "Default packaging engine: pyinstaller or nuitka")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(targetArg(args))
	if err != nil {
		return perrors.New(perrors.InvalidInput, "cannot resolve path", err)
	}

	configPath := filepath.Join(root, ".packwise", "config.json")
	if _, statErr := os.Stat(configPath); statErr == nil && !initForce {
		fmt.Println("packwise already initialized.")
		fmt.Printf("Configuration at: %s\n", configPath)
		fmt.Println("\nRun 'packwise init --force' to reset it to defaults.")
		return nil
	}

	cfg := config.DefaultConfig()
	cfg.Engine = initEngine
	if pythonFlag != "" {
		cfg.Python = pythonFlag
	}
	if err := cfg.Validate(); err != nil {
		return perrors.New(perrors.InvalidInput, "invalid init options", err)
	}
	if err := cfg.Save(root); err != nil {
		return perrors.New(perrors.ResourceError, "failed to write config file", err)
	}

	fmt.Println("packwise initialized.")
	fmt.Printf("Configuration written to: %s\n", configPath)
	if proj, err := project.Detect(root); err == nil {
		fmt.Printf("Entry script: %s\n", proj.Entry)
	} else {
		fmt.Println("No entry script found; pass one to 'packwise build'.")
	}
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Run 'packwise resolve' to preview the bundled packages")
	fmt.Println("  2. Run 'packwise build' to package the application")
	return nil
}
