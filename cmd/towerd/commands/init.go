package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ltwatch/towerd/config"
	"github.com/ltwatch/towerd/node"
	"github.com/ltwatch/towerd/types"
)

// InitFilesCmd initializes the tower home: directories, a default
// config.toml and a fresh tower key.
func InitFilesCmd(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the tower home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf)
		},
	}
}

func initFiles(conf *config.Config) error {
	logger, err := newLogger(conf)
	if err != nil {
		return err
	}

	configFile := conf.ConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		logger.Info("found config file, skipping", "path", configFile)
	} else {
		if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		logger.Info("generated config file", "path", configFile)
	}

	keyFile := conf.TowerKeyFile()
	if _, err := os.Stat(keyFile); err == nil {
		logger.Info("found tower key, skipping", "path", keyFile)
		return nil
	}

	sk, err := node.GenTowerKeyFile(keyFile)
	if err != nil {
		return fmt.Errorf("failed to generate tower key: %w", err)
	}
	logger.Info("generated tower key", "path", keyFile,
		"tower_id", types.NewUserID(sk.PubKey()).String())

	return nil
}
