package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// escrowABI covers the parts of the escrow contract the service calls.
const escrowABI = `[
	{
		"type": "function",
		"name": "createTrade",
		"stateMutability": "payable",
		"inputs": [
			{"name": "seller", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "tradeId", "type": "uint256"}]
	},
	{
		"type": "event",
		"name": "TradeCreated",
		"anonymous": false,
		"inputs": [
			{"name": "tradeId", "type": "uint256", "indexed": true},
			{"name": "buyer", "type": "address", "indexed": true},
			{"name": "seller", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	}
]`

func parseEscrowABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("escrow: parse contract ABI: %w", err)
	}
	return parsed, nil
}

// Contract is the escrow contract bound to the wallet's signer.
type Contract struct {
	address  common.Address
	abi      abi.ABI
	signer   common.Address
	provider *Provider
}

// Signer returns the account transactions are sent from.
func (c *Contract) Signer() common.Address {
	return c.signer
}

// CreateTrade submits createTrade(seller, amount) with amount attached as
// value and returns the transaction hash once the wallet has broadcast it.
func (c *Contract) CreateTrade(ctx context.Context, seller common.Address, amount *big.Int) (common.Hash, error) {
	data, err := c.abi.Pack("createTrade", seller, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("escrow: encode createTrade: %w", err)
	}
	to := c.address
	return c.provider.SendTransaction(ctx, txArgs{
		From:  c.signer,
		To:    &to,
		Value: (*hexutil.Big)(new(big.Int).Set(amount)),
		Data:  data,
	})
}

// TradeID extracts the id from the receipt's TradeCreated event, if any.
func (c *Contract) TradeID(r *Receipt) (*big.Int, bool) {
	event, ok := c.abi.Events["TradeCreated"]
	if !ok {
		return nil, false
	}
	for _, l := range r.Logs {
		if l.Address != c.address || len(l.Topics) < 2 || l.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()), true
	}
	return nil, false
}

// AcquireContract returns the cached contract binding or builds one from
// the current provider and its signer. A binding is only cached while the
// provider it was built from is still the cached provider.
func (s *Service) AcquireContract(ctx context.Context) (*Contract, error) {
	if _, c := s.cached(); c != nil {
		return c, nil
	}

	p, err := s.AcquireProvider(ctx)
	if err != nil {
		return nil, err
	}
	signer, err := p.Signer(ctx)
	if err != nil {
		return nil, &TradeError{Op: "resolve signer", Err: err}
	}

	c := &Contract{
		address:  s.cfg.ContractAddress,
		abi:      s.abi,
		signer:   signer,
		provider: p,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contract != nil {
		return s.contract, nil
	}
	if s.provider == p {
		s.contract = c
	}
	return c, nil
}
