package chainreg

import (
	"context"
	"fmt"
	"time"

	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dcrd/wire"
)

// ErrNetworkMismatch is returned when a dcrd node runs on a different network
// than the one requested.
var ErrNetworkMismatch = fmt.Errorf("dcrd node network mismatch")

// CheckDcrdNode checks whether the dcrd node reachable using the provided
// config answers RPC requests and runs on the wanted network.
func CheckDcrdNode(ctx context.Context, wantNet wire.CurrencyNet,
	rpcConfig rpcclient.ConnConfig) error {

	connectTimeout := 30 * time.Second
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rpcConfig.DisableConnectOnNew = true
	rpcConfig.DisableAutoReconnect = false
	chainConn, err := rpcclient.New(&rpcConfig, nil)
	if err != nil {
		return err
	}

	// Try to connect to the given node.
	if err := chainConn.Connect(ctx, true); err != nil {
		return err
	}
	defer chainConn.Shutdown()

	// Verify whether the node is on the correct network.
	net, err := chainConn.GetCurrentNet(ctx)
	if err != nil {
		return err
	}
	if net != wantNet {
		log.Warnf("dcrd at %s runs on %v, wanted %v", rpcConfig.Host,
			net, wantNet)
		return ErrNetworkMismatch
	}

	return nil
}
