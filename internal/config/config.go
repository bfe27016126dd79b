package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/strandchain/strand/pkg/types"
)

var (
	defaults = map[string]interface{}{
		"verbose":                  false,
		"storage.path":             "strand-data",
		"catchupBlocks":            uint64(0),
		"packetLoss":               uint32(0),
		"emptyBlockIntervalMs":     uint64(3000),
		"finalizationDownloadOnly": false,
		"maxTxPerBlock":            8192,
	}
)

const (
	Cfg_chain_id                 = "chain.id"
	Cfg_node_id                  = "node.id"
	Cfg_storage_path             = "storage.path"
	Cfg_catchupBlocks            = "catchupBlocks"
	Cfg_packetLoss               = "packetLoss"
	Cfg_emptyBlockIntervalMs     = "emptyBlockIntervalMs"
	Cfg_finalizationDownloadOnly = "finalizationDownloadOnly"
	Cfg_maxTxPerBlock            = "maxTxPerBlock"
)

func init() {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

type Config struct {
	SchainID types.SchainID
	NodeID   types.NodeID

	StoragePath string

	CatchupBlocks            types.BlockID
	PacketLoss               uint32
	EmptyBlockInterval       time.Duration
	FinalizationDownloadOnly bool
	MaxTxPerBlock            int

	chain *Chain
}

func (c *Config) Chain() *Chain {
	return c.chain
}

func GetConfig() (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigName("strand")
	viper.AddConfigPath("/etc/strand/")
	viper.AddConfigPath("$HOME/.strand")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("STRAND")
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
			logrus.New().Warnf("no config found")
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	c := &Config{
		SchainID:                 types.SchainID(viper.GetUint64(Cfg_chain_id)),
		NodeID:                   types.NodeID(viper.GetUint64(Cfg_node_id)),
		StoragePath:              viper.GetString(Cfg_storage_path),
		CatchupBlocks:            types.BlockID(viper.GetUint64(Cfg_catchupBlocks)),
		PacketLoss:               viper.GetUint32(Cfg_packetLoss),
		EmptyBlockInterval:       time.Duration(viper.GetUint64(Cfg_emptyBlockIntervalMs)) * time.Millisecond,
		FinalizationDownloadOnly: viper.GetBool(Cfg_finalizationDownloadOnly),
		MaxTxPerBlock:            viper.GetInt(Cfg_maxTxPerBlock),
	}

	if c.PacketLoss > 100 {
		return nil, errors.Errorf("packetLoss %d out of range", c.PacketLoss)
	}

	c.chain, err = buildChainConfig()
	if err != nil {
		return nil, errors.Wrap(err, "chain config")
	}

	if viper.GetBool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.WithField("level", "debug").Debug("setting log level")
	}

	return c, nil
}
