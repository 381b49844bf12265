package dcrlauncher

import (
	"fmt"
	"io"

	"github.com/decred/dcrlauncher/cfgstore"
	"github.com/decred/dcrlauncher/launcher"
	"github.com/jedib0t/go-pretty/table"
)

// walletDaemon describes how the daemon of a wallet is reached in advanced
// mode.
func walletDaemon(store *cfgstore.Store, cfg *Config,
	wallet string) (string, error) {

	net := cfg.Network()
	appData, err := store.AppDataPath(net, wallet)
	if err != nil {
		return "", err
	}
	creds, err := store.RemoteCredentials(net, wallet)
	if err != nil {
		return "", err
	}

	switch {
	case appData != "" && creds != nil && creds.Complete():
		return "conflict", nil
	case appData != "":
		return "appdata " + appData, nil
	case creds != nil && creds.Complete():
		return fmt.Sprintf("remote %s:%s", creds.Host, creds.Port), nil
	}
	return "managed", nil
}

// ListWallets writes a table of the wallets of the selected network to w.
func ListWallets(cfg *Config, w io.Writer) error {
	store, err := cfgstore.Open(cfg.settingsPath(),
		cfgstore.DefaultOpenTimeout)
	if err != nil {
		return err
	}

	l, err := launcher.New(launcher.Config{
		Network:     cfg.Network(),
		AppDataDir:  cfg.AppDataDir,
		LogDir:      cfg.LogDir,
		DcrdAppData: cfg.DcrdAppData,
		Settings:    store,
	})
	if err != nil {
		return err
	}

	wallets, err := l.AvailableWallets()
	if err != nil {
		return err
	}
	prev, err := store.PreviousWallet()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Wallet", "Network", "Created", "Daemon",
		"Last used"})
	for _, aw := range wallets {
		daemon, err := walletDaemon(store, cfg, aw.Wallet)
		if err != nil {
			return err
		}
		var last string
		if aw.Wallet == prev {
			last = "*"
		}
		t.AppendRow(table.Row{aw.Wallet, aw.Network, aw.Finished,
			daemon, last})
	}
	t.Render()
	return nil
}
