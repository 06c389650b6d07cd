package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/m1k1o/go-streamproxy/internal/config"
	"github.com/m1k1o/go-streamproxy/internal/serve"
	"github.com/m1k1o/go-streamproxy/pkg/resolver"
	"github.com/m1k1o/go-streamproxy/pkg/upstream"
)

func init() {
	var render bool

	command := &cobra.Command{
		Use:   "resolve <locator>",
		Short: "resolve a page url to its manifest url",
		Long:  `resolve a page url to its manifest url, using the same strategies as the server`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// flags of the serve command provide the defaults
			cfg := &config.Server{}
			cfg.Set()

			resolverConfig := serve.ResolverConfig(cfg)
			if cmd.Flags().Changed("render") {
				resolverConfig.Render = render
			}

			r := resolver.New(resolverConfig, upstream.New(serve.UpstreamConfig(cfg)))
			defer r.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			manifest, err := r.Resolve(ctx, args[0])
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), manifest)
			return err
		},
	}

	command.Flags().BoolVar(&render, "render", true, "fall back to headless browser rendering")
	rootCmd.AddCommand(command)
}
