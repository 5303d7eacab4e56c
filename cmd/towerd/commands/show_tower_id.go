package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ltwatch/towerd/config"
	"github.com/ltwatch/towerd/node"
	"github.com/ltwatch/towerd/types"
)

// ShowTowerIDCmd prints the tower's public identity, the compressed
// secp256k1 key clients register against.
func ShowTowerIDCmd(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-tower-id",
		Short: "Show the tower's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			sk, err := node.LoadTowerKey(conf.TowerKeyFile())
			if err != nil {
				return err
			}

			fmt.Println(types.NewUserID(sk.PubKey()).String())
			return nil
		},
	}
}
