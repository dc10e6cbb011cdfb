package commands

import (
	"github.com/dyluth/ccss/internal/printer"
	"github.com/dyluth/ccss/internal/rules"
	"github.com/dyluth/ccss/pkg/critical"
	"github.com/spf13/cobra"
)

var (
	resolveKind     string
	resolveID       string
	resolveType     string
	resolveTemplate string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show where an object's critical CSS is stored",
	Long: `Resolve an object against the configured rules and print its storage
target. Nothing is read from or written to Redis.

Examples:
  ccss resolve --kind post --id 42 --type post
  ccss resolve --kind post --id 9 --type page --template wide.php
  ccss resolve --kind term --id 7 --type category`,
	Args: cobra.NoArgs,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveKind, "kind", "post", "Object kind: post or term")
	resolveCmd.Flags().StringVar(&resolveID, "id", "", "Object id")
	resolveCmd.Flags().StringVar(&resolveType, "type", "", "Post type, or taxonomy for terms")
	resolveCmd.Flags().StringVar(&resolveTemplate, "template", "", "Page template (posts only)")
	resolveCmd.MarkFlagRequired("id")
	resolveCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rec := critical.ObjectRecord{
		Kind:         critical.ObjectKind(resolveKind),
		ID:           resolveID,
		TypeName:     resolveType,
		TemplateName: resolveTemplate,
	}
	obj, err := rec.Object()
	if err != nil {
		return printer.Error("invalid object", err.Error(), []string{"Use --kind post or --kind term; --template applies to posts only"})
	}

	target, ok := rules.Resolve(obj, cfg.Rules)
	if !ok {
		printer.Info("%s: no rule matches\n", rec.Ref())
		return nil
	}

	printer.Printf("%s -> %s\n", rec.Ref(), target)
	if target.Scope == critical.ScopeShared {
		printer.Muted("callback meta: object_type=%s object_id=%s\n", target.CorrelationType(), target.CorrelationID())
	}
	return nil
}
