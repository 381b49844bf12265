package cfgstore

import (
	"encoding/json"

	"github.com/decred/dcrlauncher/chainreg"
	bolt "go.etcd.io/bbolt"
)

// StakePool is a configured voting service provider.
type StakePool struct {
	Host    string `json:"Host"`
	Network string `json:"Network"`
	APIKey  string `json:"ApiKey"`
}

// WalletSettings are the per wallet preferences handed to the front-end once
// a wallet process is launched.
type WalletSettings struct {
	GapLimit          uint32      `json:"gaplimit"`
	HiddenAccounts    []uint32    `json:"hiddenaccounts"`
	CurrencyDisplay   string      `json:"currency_display"`
	BalanceToMaintain float64     `json:"balancetomaintain"`
	MaxFee            float64     `json:"maxfee"`
	MaxPriceAbsolute  float64     `json:"maxpriceabsolute"`
	MaxPriceRelative  float64     `json:"maxpricerelative"`
	MaxPerBlock       uint32      `json:"maxperblock"`
	DiscoverAccounts  bool        `json:"discoveraccounts"`
	StakePools        []StakePool `json:"stakepools"`
}

// DefaultWalletSettings returns the settings of a freshly created wallet.
func DefaultWalletSettings() *WalletSettings {
	return &WalletSettings{
		GapLimit:         20,
		CurrencyDisplay:  "DCR",
		MaxFee:           0.2,
		MaxPriceRelative: 1.25,
		MaxPerBlock:      5,
	}
}

// ActiveStakePool returns the first stake pool configured with an API key
// for the given network.
func (w *WalletSettings) ActiveStakePool(net chainreg.Network) (*StakePool, bool) {
	for i := range w.StakePools {
		pool := &w.StakePools[i]
		if pool.APIKey != "" && pool.Network == string(net) {
			return pool, true
		}
	}
	return nil, false
}

// WalletSettings reads the settings snapshot of a wallet.
func (s *Store) WalletSettings(net chainreg.Network,
	wallet string) (*WalletSettings, error) {

	var settings *WalletSettings
	err := s.view(func(tx *bolt.Tx) error {
		b := walletBucket(tx, net, wallet)
		if b == nil {
			return ErrWalletNotFound
		}
		v := b.Get(keySettings)
		if v == nil {
			settings = DefaultWalletSettings()
			return nil
		}
		settings = &WalletSettings{}
		return json.Unmarshal(v, settings)
	})
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// SetWalletSettings replaces the settings of a wallet.
func (s *Store) SetWalletSettings(net chainreg.Network, wallet string,
	settings *WalletSettings) error {

	v, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := createWalletBucket(tx, net, wallet)
		if err != nil {
			return err
		}
		return b.Put(keySettings, v)
	})
}
