package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"turncast/server/internal/app"
	"turncast/server/internal/config"
	"turncast/server/internal/game/demo"
)

func main() {
	var configPath string
	var players int

	root := &cobra.Command{
		Use:   "turncast-server",
		Short: "Turn-based game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg, demo.Factory(players))
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the server configuration file")
	root.Flags().IntVar(&players, "players", 2, "player slots for the built-in demo game")

	if err := root.Execute(); err != nil {
		log.Fatalf("%v", err)
	}
}
