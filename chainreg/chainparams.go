package chainreg

import (
	"fmt"
	"time"

	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
)

// Network names a Decred network the launcher can run against.
type Network string

const (
	// Mainnet is the main Decred network.
	Mainnet Network = "mainnet"

	// Testnet is the version 3 Decred test network.
	Testnet Network = "testnet"
)

// String returns the network name.
func (n Network) String() string {
	return string(n)
}

// DecredNetParams couples the p2p parameters of a network with the
// corresponding RPC ports of the daemons running on the particular network.
type DecredNetParams struct {
	*chaincfg.Params

	// Network is the short name used in paths and config keys.
	Network Network

	// DcrdRPCPort is the default JSON-RPC port of dcrd.
	DcrdRPCPort string

	// WalletGRPCPort is the default gRPC port of dcrwallet.
	WalletGRPCPort string
}

// DecredTestNetParams contains parameters specific to the 3rd version of the
// test network.
var DecredTestNetParams = DecredNetParams{
	Params:         chaincfg.TestNet3Params(),
	Network:        Testnet,
	DcrdRPCPort:    "19109",
	WalletGRPCPort: "19111",
}

// DecredMainNetParams contains parameters specific to the current Decred
// mainnet.
var DecredMainNetParams = DecredNetParams{
	Params:         chaincfg.MainNetParams(),
	Network:        Mainnet,
	DcrdRPCPort:    "9109",
	WalletGRPCPort: "9111",
}

// ParamsForNetwork returns the parameters for the named network.
func ParamsForNetwork(net Network) (*DecredNetParams, error) {
	switch net {
	case Mainnet:
		return &DecredMainNetParams, nil
	case Testnet:
		return &DecredTestNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", net)
	}
}

// NetworkFromTestnetFlag maps the legacy testnet boolean to a Network.
func NetworkFromTestnetFlag(testnet bool) Network {
	if testnet {
		return Testnet
	}
	return Mainnet
}

// IsTestnet tests if the given params correspond to a testnet
// parameter configuration.
func IsTestnet(params *DecredNetParams) bool {
	switch params.Params.Net {
	case wire.TestNet3:
		return true
	default:
		return false
	}
}

// EstimatedTipHeight returns the height the chain is expected to have reached
// at now given the genesis timestamp and the target block interval.
func EstimatedTipHeight(params *DecredNetParams, now time.Time) int64 {
	genesis := params.GenesisBlock.Header.Timestamp
	if !now.After(genesis) || params.TargetTimePerBlock <= 0 {
		return 0
	}
	return int64(now.Sub(genesis) / params.TargetTimePerBlock)
}
