package main

import (
	"fmt"

	"github.com/lychee-technology/objectbase/factory"
	"github.com/spf13/cobra"
)

func newReindexHelpCmd(opts *rootOptions) *cobra.Command {
	var meiliURL, meiliKey string
	cmd := &cobra.Command{
		Use:   "reindex-help",
		Short: "Rebuild the help center search index",
		Long:  `Push every help article from PostgreSQL to the Meilisearch index.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			config, pool, err := opts.connect(ctx, cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			if meiliURL != "" {
				config.Search.URL = meiliURL
			}
			if meiliKey != "" {
				config.Search.APIKey = meiliKey
			}
			if config.Search.URL == "" {
				return fmt.Errorf("a Meilisearch URL is required (--meili-url or MEILI_URL)")
			}
			config.Search.Enabled = true
			config.Analytics.Enabled = false
			config.Cache.Enabled = false
			config.Storage.Enabled = false
			config.Settings.LocalPath = ""

			services, err := factory.NewServicesWithConfig(ctx, config, pool)
			if err != nil {
				return err
			}
			defer services.Close()

			n, err := services.HelpReindexer.Reindex(operatorContext(ctx))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d help articles.\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&meiliURL, "meili-url", getenvDefault("MEILI_URL", ""), "Meilisearch URL")
	cmd.Flags().StringVar(&meiliKey, "meili-api-key", getenvDefault("MEILI_API_KEY", ""), "Meilisearch API key")
	return cmd
}
