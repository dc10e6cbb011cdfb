package commands

import (
	"fmt"

	"github.com/dyluth/ccss/internal/printer"
	"github.com/dyluth/ccss/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default ccss.yml",
	Long: `Write a default ccss.yml with example rules, viewport dimensions and
excluded selectors.

Use --force to overwrite an existing ccss.yml.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing ccss.yml")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write ccss.yml into")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if err := scaffold.CheckExisting(initDir); err != nil {
			return printer.Error("ccss.yml already exists", err.Error(), nil)
		}
	}

	path, err := scaffold.Initialize(initDir, forceInit)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("Created %s\n", path)
	printer.Println("\nNext steps:")
	printer.Println("  1. Set generation.service_url and callback.public_url")
	printer.Println("  2. Export CCSS_SERVICE_API_KEY and CCSS_TOKEN_SECRET")
	printer.Println("  3. Set generation.enabled: true and run 'ccss serve'")
	return nil
}
