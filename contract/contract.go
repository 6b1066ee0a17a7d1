package contract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/omni/relay-server/contract/abi"
	"github.com/omni/relay-server/ethclient"
)

var ErrReverted = errors.New("call reverted")

type Contract struct {
	address common.Address
	client  ethclient.Client
	abi     abi.ABI
}

func NewContract(client ethclient.Client, addr common.Address, abi abi.ABI) *Contract {
	return &Contract{addr, client, abi}
}

func (c *Contract) Address() common.Address {
	return c.address
}

func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot encode abi calldata for %s: %w", method, err)
	}
	return data, nil
}

func (c *Contract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return c.CallFrom(ctx, ethereum.CallMsg{}, method, args...)
}

// CallFrom performs an eth_call using sender and fee fields of msg.
func (c *Contract) CallFrom(ctx context.Context, msg ethereum.CallMsg, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	msg.To = &c.address
	msg.Data = data
	res, err := c.client.CallContract(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%s(...): %v: %w", method, err, ErrReverted)
		}
		return nil, fmt.Errorf("cannot call %s(...): %w", method, err)
	}
	out, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %s(...) result: %w", method, err)
	}
	return out, nil
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "revert")
}
