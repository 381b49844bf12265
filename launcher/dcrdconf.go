package launcher

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	dcrdConfFilename = "dcrd.conf"
	dcrdCertFilename = "rpc.cert"
)

// dcrdConfig holds the subset of dcrd.conf the launcher reads and writes.
// Unknown options are ignored when parsing.
type dcrdConfig struct {
	RPCUser      string   `long:"rpcuser" description:"Username for RPC connections"`
	RPCPass      string   `long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`
	RPCListeners []string `long:"rpclisten" description:"Add an interface/port to listen for RPC connections"`
	RPCCert      string   `long:"rpccert" description:"File containing the certificate file"`
	TestNet      bool     `long:"testnet" description:"Use the test network"`
}

// readDcrdConf parses the dcrd.conf at path.
func readDcrdConf(path string) (*dcrdConfig, error) {
	var cfg dcrdConfig
	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	err := flags.NewIniParser(parser).ParseFile(path)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// writeDcrdConf writes cfg to path, readable by the current user only.
func writeDcrdConf(path string, cfg *dcrdConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	parser := flags.NewParser(cfg, flags.None)
	err := flags.NewIniParser(parser).WriteFile(path, flags.IniNone)
	if err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}

// newManagedDcrdConf returns a config with random RPC credentials.
func newManagedDcrdConf() (*dcrdConfig, error) {
	user, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	pass, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	return &dcrdConfig{RPCUser: user, RPCPass: pass}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// rpcPort returns the port of the first configured RPC listener or dflt.
func (c *dcrdConfig) rpcPort(dflt string) string {
	for _, l := range c.RPCListeners {
		if _, port, err := net.SplitHostPort(l); err == nil && port != "" {
			return port
		}
	}
	return dflt
}

// findDcrdConf returns the first existing dcrd.conf among dirs.
func findDcrdConf(dirs ...string) (string, error) {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, dcrdConfFilename)
		if fileExists(path) {
			return path, nil
		}
	}
	return "", ErrNoDcrdConfig
}

// ensureDcrdConf returns the dcrd.conf in the first of dirs that has one,
// creating one with random credentials in the last dir otherwise.
func ensureDcrdConf(dirs ...string) (string, error) {
	path, err := findDcrdConf(dirs...)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, ErrNoDcrdConfig) {
		return "", err
	}

	path = filepath.Join(dirs[len(dirs)-1], dcrdConfFilename)
	cfg, err := newManagedDcrdConf()
	if err != nil {
		return "", fmt.Errorf("unable to generate RPC credentials: %w",
			err)
	}
	if err := writeDcrdConf(path, cfg); err != nil {
		return "", fmt.Errorf("unable to write %s: %w", path, err)
	}

	log.Infof("Created managed dcrd config %s", path)
	return path, nil
}
