package config

import (
	"fmt"

	"xquery/internal/models"
)

// Deployment describes the on-chain contracts a single indexer instance
// tracks. Addresses are checksummed hex strings.
type Deployment struct {
	Name  string
	Chain models.Chain

	Factory      string
	FactoryBlock uint64

	Router      string
	RouterBlock uint64

	WrappedNative string

	// public JSON-RPC endpoint, used when api_url is not configured
	DefaultAPIURL string
}

var pangolinDeployment = Deployment{
	Name:          "pangolin",
	Chain:         models.ChainAVAX,
	Factory:       "0xefa94DE7a4656D787667C749f7E1223D71E9FD88",
	FactoryBlock:  56877,
	Router:        "0xE54Ca86531e17Ef3616d22Ca28b0D458b6C89106",
	RouterBlock:   56879,
	WrappedNative: "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7",
	DefaultAPIURL: "https://api.avax.network/ext/bc/C/rpc",
}

// Pegasys contract addresses are not compiled in and must be supplied via
// factory_address/router_address in the config file.
var pegasysDeployment = Deployment{
	Name:          "pegasys",
	Chain:         models.ChainSYS,
	DefaultAPIURL: "https://rpc.syscoin.org/",
}

// ResolveDeployment selects the configured deployment preset and applies any
// per-field overrides from the config.
func (c *Config) ResolveDeployment() (Deployment, error) {
	var d Deployment
	switch c.Deployment {
	case "pangolin":
		d = pangolinDeployment
	case "pegasys":
		d = pegasysDeployment
	default:
		return Deployment{}, fmt.Errorf("unknown deployment %q", c.Deployment)
	}

	if c.FactoryAddress != "" {
		d.Factory = c.FactoryAddress
	}
	if c.FactoryBlock != 0 {
		d.FactoryBlock = c.FactoryBlock
	}
	if c.RouterAddress != "" {
		d.Router = c.RouterAddress
	}
	if c.RouterBlock != 0 {
		d.RouterBlock = c.RouterBlock
	}

	if d.Factory == "" {
		return Deployment{}, fmt.Errorf("deployment %q requires factory_address", c.Deployment)
	}
	if c.Mode == "router" && d.Router == "" {
		return Deployment{}, fmt.Errorf("deployment %q requires router_address in router mode", c.Deployment)
	}

	return d, nil
}
