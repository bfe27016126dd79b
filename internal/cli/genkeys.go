package cli

import (
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strandchain/strand/pkg/crypto"
)

var (
	genKeysCmd = &cobra.Command{
		Use:   "gen-keys",
		RunE:  runGenKeys,
		Short: "generate BLS key material for a validator set",
	}

	genKeysNodes int
)

func init() {
	genKeysCmd.Flags().IntVarP(&genKeysNodes, "nodes", "n", 4, "validator count")
}

// runGenKeys prints the per-node key shares and the shared public material
// as base64 msgpack, ready for the chain.keyShare / chain.publicKeys
// config keys. Production deployments run DKG instead.
func runGenKeys(cmd *cobra.Command, args []string) error {
	shares, pub, err := crypto.GenerateKeyMaterial(genKeysNodes)
	if err != nil {
		return err
	}

	pubRaw, err := msgpack.Marshal(pub)
	if err != nil {
		return errors.Wrap(err, "marshaling public material")
	}

	fmt.Printf("chain.publicKeys: %s\n\n", base64.StdEncoding.EncodeToString(pubRaw))

	for _, ks := range shares {
		raw, err := msgpack.Marshal(ks)
		if err != nil {
			return errors.Wrap(err, "marshaling key share")
		}
		fmt.Printf("node %d chain.keyShare: %s\n", ks.Index,
			base64.StdEncoding.EncodeToString(raw))
	}

	return nil
}
