package chains

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"moff.io/moff-vault/pkg/errors"
	"moff.io/moff-vault/pkg/log"
)

// Backend is the subset of the ethereum RPC used here. *ethclient.Client satisfies it.
type Backend interface {
	ethereum.ContractCaller
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// Dialer opens a backend for an RPC endpoint.
type Dialer func(ctx context.Context, rpcURL string) (Backend, error)

// DialEthclient dials a go-ethereum RPC client.
func DialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	if rpcURL == "" {
		return nil, errors.New("rpc url required")
	}
	return ethclient.DialContext(ctx, rpcURL)
}

// Balance is a wallet's token holding plus its vault's, in base units.
type Balance struct {
	Wallet   *big.Int
	Vault    *big.Int
	Total    *big.Int
	Decimals int
	Symbol   string
}

func (b *Balance) String() string {
	return FormatUnits(b.Total, b.Decimals)
}

// Balances answers balance and vault queries for the configured chains.
// Backends are dialed on first use and shared.
type Balances struct {
	table *Table
	dial  Dialer

	mu       sync.Mutex
	backends map[int64]Backend
}

func NewBalances(table *Table, dial Dialer) *Balances {
	if dial == nil {
		dial = DialEthclient
	}
	return &Balances{
		table:    table,
		dial:     dial,
		backends: make(map[int64]Backend),
	}
}

func (b *Balances) Table() *Table {
	return b.table
}

func (b *Balances) backend(ctx context.Context, chainID int64) (*Blockchain, Backend, error) {
	chain, err := b.table.Get(chainID)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if be, ok := b.backends[chainID]; ok {
		return chain, be, nil
	}
	be, err := b.dial(ctx, chain.RPCURL)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial chain %d", chainID)
	}
	b.backends[chainID] = be
	return chain, be, nil
}

// Balance sums the token balance of wallet and, when vault is set, of vault.
func (b *Balances) Balance(ctx context.Context, chainID int64, wallet, vault string) (*Balance, error) {
	chain, be, err := b.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(wallet) {
		return nil, errors.Wrapf(ErrInvalidAddress, "wallet %q", wallet)
	}
	result := &Balance{Vault: new(big.Int), Decimals: chain.Decimals, Symbol: chain.Symbol}
	result.Wallet, err = balanceOf(ctx, be, chain.Token, common.HexToAddress(wallet))
	if err != nil {
		return nil, errors.Wrapf(err, "wallet balance on chain %d", chainID)
	}
	if vault != "" {
		if !common.IsHexAddress(vault) {
			return nil, errors.Wrapf(ErrInvalidAddress, "vault %q", vault)
		}
		result.Vault, err = balanceOf(ctx, be, chain.Token, common.HexToAddress(vault))
		if err != nil {
			return nil, errors.Wrapf(err, "vault balance on chain %d", chainID)
		}
	}
	result.Total = new(big.Int).Add(result.Wallet, result.Vault)
	return result, nil
}

// VaultOf asks the vault factory for the wallet's vault. "" means no vault.
func (b *Balances) VaultOf(ctx context.Context, chainID int64, wallet string) (string, error) {
	chain, be, err := b.backend(ctx, chainID)
	if err != nil {
		return "", err
	}
	if !chain.HasVaults() {
		return "", nil
	}
	if !common.IsHexAddress(wallet) {
		return "", errors.Wrapf(ErrInvalidAddress, "wallet %q", wallet)
	}
	data, err := vaultFactoryABI.Pack("getWallet", common.HexToAddress(wallet))
	if err != nil {
		return "", errors.WithStack(err)
	}
	out, err := be.CallContract(ctx, ethereum.CallMsg{To: &chain.VaultFactory, Data: data}, nil)
	if err != nil {
		return "", errors.Wrapf(err, "getWallet on chain %d", chainID)
	}
	values, err := vaultFactoryABI.Unpack("getWallet", out)
	if err != nil {
		return "", errors.Wrap(err, "unpack getWallet")
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return "", errors.Errorf("unexpected getWallet output %T", values[0])
	}
	if addr == (common.Address{}) {
		return "", nil
	}
	return addr.Hex(), nil
}

func balanceOf(ctx context.Context, be Backend, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	out, err := be.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, errors.Wrap(err, "unpack balanceOf")
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("unexpected balanceOf output %T", values[0])
	}
	return v, nil
}

// Close releases dialed backends.
func (b *Balances) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, be := range b.backends {
		if c, ok := be.(interface{ Close() }); ok {
			c.Close()
		}
		delete(b.backends, id)
	}
	log.Debug("chain backends closed")
}
