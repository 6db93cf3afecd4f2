package web3

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const vaultABI = `[
 {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getAPY","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const routerABI = `[
 {"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	// ERC20 is the subset of the ERC-20 interface used for EURC and USYC.
	ERC20 = mustParseABI(erc20ABI)
	// Vault is the USYC yield vault interface.
	Vault = mustParseABI(vaultABI)
	// Router is the stablecoin FX router interface.
	Router = mustParseABI(routerABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// PackTransfer encodes ERC20.transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20.Pack("transfer", to, amount)
}

// PackApprove encodes ERC20.approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return ERC20.Pack("approve", spender, amount)
}

// PackBalanceOf encodes ERC20.balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return ERC20.Pack("balanceOf", account)
}

// PackDeposit encodes Vault.deposit(amount).
func PackDeposit(amount *big.Int) ([]byte, error) {
	return Vault.Pack("deposit", amount)
}

// PackRedeem encodes Vault.redeem(amount).
func PackRedeem(amount *big.Int) ([]byte, error) {
	return Vault.Pack("redeem", amount)
}

// PackGetAPY encodes Vault.getAPY().
func PackGetAPY() ([]byte, error) {
	return Vault.Pack("getAPY")
}

// PackSwap encodes Router.swap(tokenIn, tokenOut, amountIn, minAmountOut).
func PackSwap(tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int) ([]byte, error) {
	return Router.Pack("swap", tokenIn, tokenOut, amountIn, minAmountOut)
}

// UnpackUint decodes a single uint256 return value of method on contract.
func UnpackUint(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	values, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(values))
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}
	return out, nil
}
