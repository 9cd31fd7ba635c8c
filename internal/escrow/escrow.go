// Package escrow executes marketplace trades against the on-chain escrow
// contract through the user's connected wallet.
//
// Flow of CreateTrade:
//  1. Validate seller address and price (no wallet traffic on failure)
//  2. Verify the wallet's active chain, switching it if needed
//  3. Bind the escrow contract to the wallet's signer
//  4. Submit createTrade with the price attached as value
//  5. Wait for the mined receipt
//
// Every failure is reported as a TradeResult carrying an ErrorKind; nothing
// is returned as an error to the caller.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/walletsession"
)

var (
	ErrInvalidAddress      = errors.New("escrow: invalid seller address")
	ErrInvalidAmount       = errors.New("escrow: invalid trade amount")
	ErrProviderTimeout     = errors.New("escrow: wallet provider timeout")
	ErrWrongNetwork        = errors.New("escrow: wallet is on the wrong network")
	ErrNoAccount           = errors.New("escrow: wallet exposed no accounts")
	ErrInsufficientFunds   = errors.New("escrow: insufficient funds")
	ErrTransactionReverted = errors.New("escrow: transaction reverted")
)

// TradeError wraps a wallet failure with the step that produced it.
type TradeError struct {
	Op     string // Step that failed
	TxHash string // Transaction hash if one was produced
	Err    error  // Underlying error
}

func (e *TradeError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("escrow: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("escrow: %s failed: %v", e.Op, e.Err)
}

func (e *TradeError) Unwrap() error { return e.Err }

// ErrorKind is the closed set of trade failure outcomes.
type ErrorKind string

const (
	KindRejected          ErrorKind = "rejected"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindWrongNetwork      ErrorKind = "wrong_network"
	KindInvalidAddress    ErrorKind = "invalid_address"
	KindInvalidAmount     ErrorKind = "invalid_amount"
	KindProviderTimeout   ErrorKind = "provider_timeout"
	KindUnknown           ErrorKind = "unknown"
)

// Message returns the user-facing text for the kind.
func (k ErrorKind) Message() string {
	switch k {
	case KindRejected:
		return "Transaction was rejected by the user."
	case KindInsufficientFunds:
		return "Insufficient funds to cover the trade amount and gas."
	case KindWrongNetwork:
		return "Please switch to the supported network before creating a trade."
	case KindInvalidAddress:
		return "Invalid seller address."
	case KindInvalidAmount:
		return "Invalid trade amount."
	case KindProviderTimeout:
		return "Could not connect to wallet provider. Please try again."
	default:
		return "An unknown error occurred."
	}
}

// Amount is a decimal ETH amount. In JSON it may be a string or a number;
// the literal text is kept so no float rounding happens.
type Amount string

// AmountFromFloat formats f with the shortest exact representation.
func AmountFromFloat(f float64) Amount {
	return Amount(strconv.FormatFloat(f, 'f', -1, 64))
}

func (a Amount) String() string { return string(a) }

// UnmarshalJSON accepts "0.5" and 0.5 alike.
func (a *Amount) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("escrow: amount must be a string or number: %w", err)
	}
	*a = Amount(n.String())
	return nil
}

// TradeRequest is the input of CreateTrade. It is never modified.
type TradeRequest struct {
	SellerAddress string `json:"sellerAddress"`
	PriceInEth    Amount `json:"priceInEth"`
}

// TradeResult is the outcome of CreateTrade.
type TradeResult struct {
	Success         bool      `json:"success"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	BuyerAddress    string    `json:"buyerAddress,omitempty"`
	TradeID         string    `json:"tradeId,omitempty"`
	Error           string    `json:"error,omitempty"`
	Kind            ErrorKind `json:"kind,omitempty"`
}

// Failed builds the result for kind with its display message.
func Failed(kind ErrorKind) TradeResult {
	return TradeResult{Success: false, Kind: kind, Error: kind.Message()}
}

// outcome labels the result for metrics and traces.
func (r TradeResult) outcome() string {
	if r.Success {
		return "success"
	}
	return string(r.Kind)
}

// Session is the wallet session the service draws providers from.
type Session interface {
	Current(ns walletsession.Namespace) (walletsession.Provider, bool)
	Subscribe(fn walletsession.Listener) (unsubscribe func())
	RequestNetworkSwitch(ctx context.Context, chainID *big.Int) error
}

// Defaults for Config zero values.
const (
	DefaultProviderTimeout = 7 * time.Second
	DefaultSettleDelay     = 500 * time.Millisecond
	DefaultPollInterval    = 2 * time.Second
)

// Config fixes the trade target. It does not change after NewService.
type Config struct {
	ContractAddress common.Address
	ChainID         *big.Int
	ProviderTimeout time.Duration // bounded wait for a wallet to appear
	SettleDelay     time.Duration // pause after a successful network switch
	PollInterval    time.Duration // receipt polling period
}

// Option configures the service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service orchestrates escrow trades. It caches one provider handle and
// one contract binding; both are dropped together on a network switch or
// when the session's wallet changes.
type Service struct {
	session Session
	cfg     Config
	abi     abi.ABI
	logger  *slog.Logger

	mu       sync.Mutex
	provider *Provider
	contract *Contract
}

// NewService creates an escrow service for the given target.
func NewService(session Session, cfg Config, opts ...Option) (*Service, error) {
	if session == nil {
		return nil, fmt.Errorf("escrow: wallet session required")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, fmt.Errorf("escrow: contract address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: target chain ID required")
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.ChainID = new(big.Int).Set(cfg.ChainID)

	parsed, err := parseEscrowABI()
	if err != nil {
		return nil, err
	}

	s := &Service{
		session: session,
		cfg:     cfg,
		abi:     parsed,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ChainID returns the target chain ID.
func (s *Service) ChainID() *big.Int {
	return new(big.Int).Set(s.cfg.ChainID)
}

// ContractAddress returns the escrow contract address.
func (s *Service) ContractAddress() common.Address {
	return s.cfg.ContractAddress
}

// invalidate drops both cached handles.
func (s *Service) invalidate() {
	s.mu.Lock()
	s.provider = nil
	s.contract = nil
	s.mu.Unlock()
}

// cached returns the cached handles while the wallet they were derived from
// is still the session's EVM provider. A replaced or detached wallet drops
// both.
func (s *Service) cached() (*Provider, *Contract) {
	raw, _ := s.session.Current(walletsession.EIP155)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider != nil && s.provider.rpc != raw {
		s.logger.Debug("wallet provider changed, dropping cached handles")
		s.provider = nil
		s.contract = nil
	}
	return s.provider, s.contract
}
