package escrow

import (
	"context"
	"errors"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/metrics"
	"github.com/omnidepin/marketplace/internal/traces"
	"github.com/omnidepin/marketplace/internal/validation"
)

var weiPerEther = new(big.Rat).SetInt(big.NewInt(1_000_000_000_000_000_000))

// decimalAmount is plain decimal notation with an optional exponent.
var decimalAmount = regexp.MustCompile(`^(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)(?:[eE][+-]?[0-9]+)?$`)

// maxWeiBits is the width of a uint256 contract argument.
const maxWeiBits = 256

// ParseEther converts a decimal ETH amount to wei. The amount must be a
// finite number greater than zero, representable in whole wei and fit in
// a uint256.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !decimalAmount.MatchString(s) {
		return nil, ErrInvalidAmount
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return nil, ErrInvalidAmount
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, ErrInvalidAmount
	}
	r.Mul(r, weiPerEther)
	if !r.IsInt() || r.Sign() <= 0 || r.Num().BitLen() > maxWeiBits {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(r.Num()), nil
}

// CreateTrade validates req, makes sure the wallet is on the target chain,
// submits createTrade and waits for the transaction to be mined. It never
// returns an error: every failure is a TradeResult with Success false.
// Waiting for the receipt is bounded only by ctx.
func (s *Service) CreateTrade(ctx context.Context, req TradeRequest) (result TradeResult) {
	ctx = logging.WithLogger(ctx, s.logger)
	ctx = logging.WithTradeID(ctx, uuid.NewString())
	ctx, span := traces.StartSpan(ctx, "escrow.CreateTrade",
		traces.Seller(req.SellerAddress),
		traces.Price(req.PriceInEth.String()),
		traces.ChainID(s.cfg.ChainID.Int64()),
	)
	logger := logging.L(ctx)

	defer func() {
		span.SetAttributes(traces.Outcome(result.outcome()))
		if result.TransactionHash != "" {
			span.SetAttributes(traces.TxHash(result.TransactionHash))
		}
		span.End()
		metrics.TradesTotal.WithLabelValues(result.outcome()).Inc()
	}()

	if !validation.IsValidEthAddress(req.SellerAddress) {
		logger.Info("trade rejected", "reason", "invalid seller address")
		return Failed(KindInvalidAddress)
	}
	seller := common.HexToAddress(req.SellerAddress)

	amount, err := ParseEther(req.PriceInEth.String())
	if err != nil {
		logger.Info("trade rejected", "reason", "invalid amount", "price", req.PriceInEth.String())
		return Failed(KindInvalidAmount)
	}

	res, err := s.execute(ctx, seller, amount)
	if err != nil {
		traces.Fail(span, err)
		kind := Classify(err)
		logger.Warn("trade failed", "kind", kind, "error", err)
		return failure(kind, err)
	}

	logger.Info("trade confirmed", "tx_hash", res.TransactionHash, "onchain_trade_id", res.TradeID)
	return res
}

func (s *Service) execute(ctx context.Context, seller common.Address, amount *big.Int) (TradeResult, error) {
	if !s.CheckNetwork(ctx) {
		if !s.SwitchToTargetNetwork(ctx) {
			return TradeResult{}, ErrWrongNetwork
		}
		if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
			return TradeResult{}, err
		}
	}

	contract, err := s.AcquireContract(ctx)
	if err != nil {
		return TradeResult{}, err
	}

	hash, err := contract.CreateTrade(ctx, seller, amount)
	if err != nil {
		return TradeResult{}, &TradeError{Op: "submit", Err: err}
	}
	logging.L(ctx).Info("trade submitted", "tx_hash", hash.Hex(), "from", contract.Signer().Hex())

	start := time.Now()
	receipt, err := contract.provider.WaitMined(ctx, hash, s.cfg.PollInterval)
	metrics.ConfirmationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return TradeResult{}, &TradeError{Op: "confirm", TxHash: hash.Hex(), Err: err}
	}
	if !receipt.Succeeded() {
		return TradeResult{}, &TradeError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTransactionReverted}
	}

	res := TradeResult{
		Success:         true,
		TransactionHash: receipt.TxHash.Hex(),
		BuyerAddress:    contract.Signer().Hex(),
	}
	if receipt.TxHash == (common.Hash{}) {
		res.TransactionHash = hash.Hex()
	}
	if id, ok := contract.TradeID(receipt); ok {
		res.TradeID = id.String()
	}
	return res, nil
}

// failure reports kind. Unknown errors keep the wallet's own message.
func failure(kind ErrorKind, err error) TradeResult {
	res := Failed(kind)
	if kind != KindUnknown || err == nil {
		return res
	}
	var te *TradeError
	if errors.As(err, &te) && te.Err != nil {
		err = te.Err
	}
	if msg := err.Error(); msg != "" {
		res.Error = msg
	}
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
