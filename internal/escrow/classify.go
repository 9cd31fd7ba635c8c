package escrow

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/omnidepin/marketplace/internal/walletsession"
)

// codeUserRejected is the EIP-1193 "user rejected the request" code.
const codeUserRejected = 4001

// Classify maps a wallet or chain error to an ErrorKind. The first
// matching rule wins:
//
//	rejection code 4001, ACTION_REJECTED, or "user rejected" / "user denied"
//	ErrInsufficientFunds, INSUFFICIENT_FUNDS, or "insufficient funds"
//	"network" or "chain"
//	ErrProviderTimeout, or "timeout"
//
// Anything else is KindUnknown. Matching is case-insensitive and covers
// string codes relayed by the wallet as well as the message.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	msg := strings.ToLower(err.Error())
	var walletErr *walletsession.RPCError
	if errors.As(err, &walletErr) && walletErr.Reason != "" {
		msg += " " + strings.ToLower(walletErr.Reason)
	}

	switch {
	case isUserRejection(err, msg):
		return KindRejected
	case errors.Is(err, ErrInsufficientFunds),
		strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient_funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "network"), strings.Contains(msg, "chain"):
		return KindWrongNetwork
	case errors.Is(err, ErrProviderTimeout), strings.Contains(msg, "timeout"):
		return KindProviderTimeout
	default:
		return KindUnknown
	}
}

func isUserRejection(err error, msg string) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return true
	}
	return strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "action_rejected")
}
