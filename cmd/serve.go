package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/m1k1o/go-streamproxy/internal/serve"
)

func init() {
	service := serve.NewCommand()

	command := &cobra.Command{
		Use:   "serve",
		Short: "serve streamproxy server",
		Long:  `serve streamproxy server`,
		Run:   service.Run,
	}

	onConfigLoad = append(onConfigLoad, func() {
		service.Config.Set()
		service.ConfigReload()
	})

	cobra.OnInitialize(func() {
		service.Preflight()
	})

	if err := service.Config.Init(command); err != nil {
		log.Panic().Err(err).Msg("unable to run serve command")
	}

	rootCmd.AddCommand(command)
}
