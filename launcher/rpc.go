package launcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	pb "decred.org/dcrwallet/v4/rpc/walletrpc"
	"github.com/decred/dcrd/rpcclient/v8"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// RPCHeightSource polls dcrd for its block count over JSON-RPC.
type RPCHeightSource struct {
	client *rpcclient.Client
}

// NewHeightSource returns a height source for the daemon of s. The client
// uses HTTP POST mode so that no connection is held between polls.
func NewHeightSource(s *DaemonSession) (*RPCHeightSource, error) {
	connCfg, err := s.ConnConfig(true)
	if err != nil {
		return nil, err
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}
	return &RPCHeightSource{client: client}, nil
}

// BlockCount returns the height of the daemon's best block.
func (h *RPCHeightSource) BlockCount(ctx context.Context) (int64, error) {
	return h.client.GetBlockCount(ctx)
}

// TargetHeight returns the best height the daemon learned from its peers.
// It is zero until the daemon connected to any peer.
func (h *RPCHeightSource) TargetHeight(ctx context.Context) (int64, error) {
	info, err := h.client.GetBlockChainInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.SyncHeight, nil
}

// Close releases the client.
func (h *RPCHeightSource) Close() {
	h.client.Shutdown()
}

func tlsCertFromFile(fname string) (*x509.CertPool, error) {
	b, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("credentials: failed to append certificates")
	}

	return cp, nil
}

// dialWallet opens a gRPC connection to the wallet of w using its TLS cert
// and key as client credentials.
func dialWallet(ctx context.Context, w *WalletSession,
	extra ...grpc.DialOption) (*grpc.ClientConn, error) {

	caCert, err := tlsCertFromFile(w.CertPath())
	if err != nil {
		return nil, fmt.Errorf("unable to load wallet ca cert: %w", err)
	}
	clientCert, err := tls.LoadX509KeyPair(w.CertPath(), w.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("unable to load wallet cert and key "+
			"files: %w", err)
	}

	tlsCfg := &tls.Config{
		ServerName:   "localhost",
		RootCAs:      caCert,
		Certificates: []tls.Certificate{clientCert},
	}
	opts := append([]grpc.DialOption{
		grpc.WithBlock(),
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
	}, extra...)
	return grpc.DialContext(ctx, w.GRPCAddress(), opts...)
}

// WalletVersion asks the running wallet for its gRPC API version.
func (l *Launcher) WalletVersion(ctx context.Context,
	w *WalletSession) (string, error) {

	conn, err := dialWallet(ctx, w, l.cfg.WalletDialOptions...)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	resp, err := pb.NewVersionServiceClient(conn).Version(ctx,
		&pb.VersionRequest{})
	if err != nil {
		return "", err
	}
	return resp.VersionString, nil
}
