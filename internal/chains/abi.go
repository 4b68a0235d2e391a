package chains

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20JSON = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

const vaultFactoryJSON = `[{"inputs":[{"name":"owner","type":"address"}],"name":"getWallet","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

var (
	erc20ABI        = mustParseABI(erc20JSON)
	vaultFactoryABI = mustParseABI(vaultFactoryJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
