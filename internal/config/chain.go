package config

import (
	"encoding/base64"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

// Chain is the subchain-level configuration: the static validator table
// and the BLS key material.
type Chain struct {
	Validators []*network.NodeInfo

	KeyShare       *crypto.KeyShare
	PublicMaterial *crypto.PublicMaterial
}

const (
	Cfg_chain_validators = "chain.validators"
	Cfg_chain_keyShare   = "chain.keyShare"
	Cfg_chain_publicKeys = "chain.publicKeys"
)

type validatorEntry struct {
	NodeID        uint64 `mapstructure:"nodeId"`
	Index         uint64 `mapstructure:"index"`
	IP            string `mapstructure:"ip"`
	ProposalPort  uint16 `mapstructure:"proposalPort"`
	CatchupPort   uint16 `mapstructure:"catchupPort"`
	ConsensusPort uint16 `mapstructure:"consensusPort"`
}

func buildChainConfig() (*Chain, error) {
	c := &Chain{}

	var entries []validatorEntry
	if err := viper.UnmarshalKey(Cfg_chain_validators, &entries); err != nil {
		return nil, errors.Wrap(err, "unmarshaling validator table")
	}

	for _, e := range entries {
		c.Validators = append(c.Validators, &network.NodeInfo{
			NodeID:        types.NodeID(e.NodeID),
			SchainIndex:   types.SchainIndex(e.Index),
			IP:            e.IP,
			ProposalPort:  e.ProposalPort,
			CatchupPort:   e.CatchupPort,
			ConsensusPort: e.ConsensusPort,
		})
	}

	ks := &crypto.KeyShare{}
	if err := decodeB64Msgpack(viper.GetString(Cfg_chain_keyShare), ks); err != nil {
		return nil, errors.Wrap(err, "key share")
	}
	c.KeyShare = ks

	pub := &crypto.PublicMaterial{}
	if err := decodeB64Msgpack(viper.GetString(Cfg_chain_publicKeys), pub); err != nil {
		return nil, errors.Wrap(err, "public key material")
	}
	c.PublicMaterial = pub

	return c, nil
}

func decodeB64Msgpack(s string, v interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return errors.Wrap(err, "b64 decoding")
	}

	if err := msgpack.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "unmarshaling")
	}

	return nil
}
