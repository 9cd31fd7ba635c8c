package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/metrics"
	"github.com/omnidepin/marketplace/internal/walletsession"
)

// Provider is a chain-access handle over the connected wallet.
type Provider struct {
	rpc walletsession.Provider
}

func newProvider(raw walletsession.Provider) *Provider {
	return &Provider{rpc: raw}
}

// ChainID returns the wallet's active chain.
func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := p.rpc.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return id.ToInt(), nil
}

// Signer returns the wallet's active account, asking the wallet to expose
// its accounts when none are authorised yet.
func (p *Provider) Signer(ctx context.Context) (common.Address, error) {
	var accounts []common.Address
	if err := p.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		if err := p.rpc.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
			return common.Address{}, err
		}
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrNoAccount
	}
	return accounts[0], nil
}

// txArgs is the eth_sendTransaction payload. Gas and fees are left to the wallet.
type txArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Data  hexutil.Bytes   `json:"data"`
}

// SendTransaction asks the wallet to sign and broadcast a transaction.
func (p *Provider) SendTransaction(ctx context.Context, args txArgs) (common.Hash, error) {
	var hash common.Hash
	if err := p.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// Log is the part of a receipt log the service reads.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Receipt is a mined transaction receipt.
type Receipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber *hexutil.Big   `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
	Logs        []Log          `json:"logs"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

// TransactionReceipt returns the receipt for hash, or nil while the
// transaction is still pending.
func (p *Provider) TransactionReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var r *Receipt
	if err := p.rpc.CallContext(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if r == nil || r.BlockNumber == nil {
		return nil, nil
	}
	return r, nil
}

// WaitMined polls for the receipt of hash until it is mined or ctx ends.
// There is no upper bound besides ctx; transient lookup errors are retried.
func (p *Provider) WaitMined(ctx context.Context, hash common.Hash, interval time.Duration) (*Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := logging.L(ctx)
	for {
		receipt, err := p.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Debug("receipt lookup failed, retrying", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AcquireProvider returns the cached provider handle, or derives one from
// the session's current EVM provider, or waits up to the configured timeout
// for a wallet to connect. The wait subscribes to the session and always
// unsubscribes before returning.
func (s *Service) AcquireProvider(ctx context.Context) (*Provider, error) {
	if p, _ := s.cached(); p != nil {
		return p, nil
	}
	if raw, ok := s.session.Current(walletsession.EIP155); ok && raw != nil {
		return s.cacheProvider(raw), nil
	}
	return s.waitForProvider(ctx)
}

func (s *Service) waitForProvider(ctx context.Context) (*Provider, error) {
	start := time.Now()
	defer func() {
		metrics.ProviderWaitDuration.Observe(time.Since(start).Seconds())
	}()

	found := make(chan walletsession.Provider, 1)
	unsubscribe := s.session.Subscribe(func(providers map[walletsession.Namespace]walletsession.Provider) {
		if raw, ok := providers[walletsession.EIP155]; ok && raw != nil {
			select {
			case found <- raw:
			default:
			}
		}
	})
	defer unsubscribe()

	// A wallet may have attached between the first look and Subscribe.
	if raw, ok := s.session.Current(walletsession.EIP155); ok && raw != nil {
		return s.cacheProvider(raw), nil
	}

	logging.L(ctx).Debug("waiting for wallet provider", "timeout", s.cfg.ProviderTimeout)

	timer := time.NewTimer(s.cfg.ProviderTimeout)
	defer timer.Stop()

	select {
	case raw := <-found:
		unsubscribe()
		return s.cacheProvider(raw), nil
	case <-timer.C:
		return nil, ErrProviderTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("escrow: waiting for wallet: %w", ctx.Err())
	}
}

// cacheProvider stores a handle for raw unless one for raw is already
// cached. Replacing the handle drops the contract binding with it.
func (s *Service) cacheProvider(raw walletsession.Provider) *Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil || s.provider.rpc != raw {
		s.provider = newProvider(raw)
		s.contract = nil
	}
	return s.provider
}
