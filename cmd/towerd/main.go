package main

import (
	"fmt"
	"os"

	"github.com/ltwatch/towerd/cmd/towerd/commands"
	"github.com/ltwatch/towerd/config"
)

func main() {
	conf := config.DefaultConfig()

	rootCmd := commands.RootCommand(conf)
	rootCmd.AddCommand(
		commands.InitFilesCmd(conf),
		commands.NewStartCmd(conf),
		commands.ShowTowerIDCmd(conf),
		commands.VersionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
