package chains

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"moff.io/moff-vault/internal/config"
	"moff.io/moff-vault/pkg/errors"
)

var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrInvalidAddress = errors.New("invalid address")
)

// Blockchain is one network the kiro token is deployed on.
type Blockchain struct {
	ID           int64
	Name         string
	RPCURL       string
	Token        common.Address
	VaultFactory common.Address
	Decimals     int
	Symbol       string
}

// HasVaults reports whether vault lookups are possible on this chain.
func (b *Blockchain) HasVaults() bool {
	return b.VaultFactory != (common.Address{})
}

// Table indexes the configured chains by id.
type Table struct {
	byID map[int64]*Blockchain
}

// NewTable validates the configured chains.
func NewTable(cfgs []config.Chain) (*Table, error) {
	t := &Table{byID: make(map[int64]*Blockchain, len(cfgs))}
	for _, c := range cfgs {
		if _, dup := t.byID[c.ID]; dup {
			return nil, errors.Errorf("chain %d configured twice", c.ID)
		}
		if !common.IsHexAddress(c.TokenAddress) {
			return nil, errors.Wrapf(ErrInvalidAddress, "chain %d token %q", c.ID, c.TokenAddress)
		}
		b := &Blockchain{
			ID:       c.ID,
			Name:     c.Name,
			RPCURL:   strings.TrimSpace(c.RPCURL),
			Token:    common.HexToAddress(c.TokenAddress),
			Decimals: c.Decimals,
			Symbol:   c.Symbol,
		}
		if c.VaultFactoryAddress != "" {
			if !common.IsHexAddress(c.VaultFactoryAddress) {
				return nil, errors.Wrapf(ErrInvalidAddress, "chain %d vault factory %q", c.ID, c.VaultFactoryAddress)
			}
			b.VaultFactory = common.HexToAddress(c.VaultFactoryAddress)
		}
		t.byID[c.ID] = b
	}
	return t, nil
}

func (t *Table) Get(id int64) (*Blockchain, error) {
	b, ok := t.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChain, "chain %d", id)
	}
	return b, nil
}

// ByName finds a chain by case-insensitive name or decimal id.
func (t *Table) ByName(name string) (*Blockchain, bool) {
	name = strings.TrimSpace(name)
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		b, ok := t.byID[id]
		return b, ok
	}
	for _, b := range t.byID {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return nil, false
}

// All returns the chains ordered by id.
func (t *Table) All() []*Blockchain {
	list := make([]*Blockchain, 0, len(t.byID))
	for _, b := range t.byID {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// NormalizeAddress returns the checksummed form of a hex address.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", errors.Wrapf(ErrInvalidAddress, "%q", address)
	}
	return common.HexToAddress(address).Hex(), nil
}
