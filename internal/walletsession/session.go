// Package walletsession tracks the wallet connections available to the
// service and notifies subscribers when they change.
//
// A provider attaches under a chain namespace either by dialing a JSON-RPC
// wallet endpoint (AttachRPC) or through a browser bridge (Bridge), which
// relays EIP-1193 requests to the user's in-browser wallet over a websocket.
package walletsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/metrics"
)

var (
	ErrNoDialog = errors.New("walletsession: no wallet UI attached to open a connect dialog")
	ErrClosed   = errors.New("walletsession: session closed")
)

// Namespace identifies a family of ledgers within the wallet subsystem.
type Namespace string

const (
	EIP155 Namespace = "eip155" // account-based EVM chains
	Solana Namespace = "solana"
)

// Provider is an EIP-1193 style request capability. *rpc.Client from
// go-ethereum satisfies it, as does *Bridge.
type Provider interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Listener receives the namespace→provider map on every connectivity change.
// The map is shared between listeners of one notification and must not be modified.
type Listener func(providers map[Namespace]Provider)

// DialogOpener asks a wallet UI to show its connect dialog.
type DialogOpener func(ctx context.Context) error

// State is the wallet view exposed to the UI.
type State struct {
	IsConnected bool    `json:"isConnected"`
	Address     *string `json:"address"`
	ChainID     *int64  `json:"chainId"`

	// RequestedChainID is the chain selected while no wallet was connected.
	RequestedChainID *int64 `json:"requestedChainId,omitempty"`
}

// Session is the process-wide wallet session.
type Session struct {
	mu        sync.Mutex
	providers map[Namespace]Provider
	listeners map[uint64]Listener
	dialogs   map[uint64]DialogOpener
	preferred *big.Int
	nextID    uint64
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewSession creates an empty session.
func NewSession(logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Session{
		providers: make(map[Namespace]Provider),
		listeners: make(map[uint64]Listener),
		dialogs:   make(map[uint64]DialogOpener),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Current returns the provider attached under ns without blocking.
func (s *Session) Current(ns Namespace) (Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[ns]
	return p, ok
}

// Connected reports whether an EVM provider is attached.
func (s *Session) Connected() bool {
	_, ok := s.Current(EIP155)
	return ok
}

// Subscribe registers fn for connectivity changes until the returned
// function is called. The unsubscribe function is idempotent.
func (s *Session) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Listeners returns the number of live subscriptions.
func (s *Session) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Attach installs p under ns, replacing any previous provider, and notifies subscribers.
func (s *Session) Attach(ns Namespace, p Provider) {
	s.mu.Lock()
	s.providers[ns] = p
	s.mu.Unlock()

	metrics.WalletProvidersAttached.WithLabelValues(string(ns)).Set(1)
	s.logger.Info("wallet provider attached", "namespace", ns)
	s.publish()
}

// Detach removes p from ns if it is still the attached provider.
func (s *Session) Detach(ns Namespace, p Provider) {
	s.mu.Lock()
	cur, ok := s.providers[ns]
	if !ok || cur != p {
		s.mu.Unlock()
		return
	}
	delete(s.providers, ns)
	s.mu.Unlock()

	metrics.WalletProvidersAttached.WithLabelValues(string(ns)).Set(0)
	s.logger.Info("wallet provider detached", "namespace", ns)
	s.publish()
}

// Disconnect removes whatever provider is attached under ns.
func (s *Session) Disconnect(ns Namespace) {
	if p, ok := s.Current(ns); ok {
		s.Detach(ns, p)
	}
}

// Notify republishes the current providers. Used when a provider reports
// that its chain or accounts changed.
func (s *Session) Notify() {
	s.publish()
}

func (s *Session) publish() {
	s.mu.Lock()
	snapshot := make(map[Namespace]Provider, len(s.providers))
	for ns, p := range s.providers {
		snapshot[ns] = p
	}
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

type switchChainParams struct {
	ChainID *hexutil.Big `json:"chainId"`
}

// RequestNetworkSwitch asks the EVM wallet to make chainID its active chain
// (EIP-3326). With no wallet connected the chain is only recorded as the
// requested one and reported through State, so the connecting page can
// select it. It fails when the user declines or the wallet does not know
// the chain.
func (s *Session) RequestNetworkSwitch(ctx context.Context, chainID *big.Int) error {
	p, ok := s.Current(EIP155)
	if !ok {
		s.mu.Lock()
		s.preferred = new(big.Int).Set(chainID)
		s.mu.Unlock()
		s.logger.Info("no wallet connected, recorded requested chain", "chain_id", chainID)
		return nil
	}
	err := p.CallContext(ctx, nil, "wallet_switchEthereumChain", switchChainParams{ChainID: (*hexutil.Big)(chainID)})
	if err != nil {
		return fmt.Errorf("walletsession: switch to %s: %w", chainID, err)
	}
	s.mu.Lock()
	s.preferred = nil
	s.mu.Unlock()
	s.publish()
	return nil
}

// RequestedChain returns the chain recorded by RequestNetworkSwitch while
// disconnected, or nil.
func (s *Session) RequestedChain() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preferred == nil {
		return nil
	}
	return new(big.Int).Set(s.preferred)
}

// RegisterDialog adds a wallet UI able to show the connect dialog.
func (s *Session) RegisterDialog(open DialogOpener) (unregister func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.dialogs[id] = open
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.dialogs, id)
		s.mu.Unlock()
	}
}

// OpenConnectDialog asks every registered wallet UI to prompt the user to
// connect. It succeeds if at least one UI accepted the request.
func (s *Session) OpenConnectDialog(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	dialogs := make([]DialogOpener, 0, len(s.dialogs))
	for _, d := range s.dialogs {
		dialogs = append(dialogs, d)
	}
	s.mu.Unlock()

	if len(dialogs) == 0 {
		return ErrNoDialog
	}

	var errs []error
	for _, open := range dialogs {
		if err := open(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(dialogs) {
		return errors.Join(errs...)
	}
	return nil
}

// State reports whether an EVM wallet is attached plus its first account
// and active chain. Read failures leave the corresponding field nil.
func (s *Session) State(ctx context.Context) State {
	var st State
	if requested := s.RequestedChain(); requested != nil {
		id := requested.Int64()
		st.RequestedChainID = &id
	}

	p, ok := s.Current(EIP155)
	if !ok {
		return st
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	st.IsConnected = true

	var accounts []common.Address
	if err := p.CallContext(ctx, &accounts, "eth_accounts"); err == nil && len(accounts) > 0 {
		addr := accounts[0].Hex()
		st.Address = &addr
	}

	var chainID hexutil.Big
	if err := p.CallContext(ctx, &chainID, "eth_chainId"); err == nil {
		id := chainID.ToInt().Int64()
		st.ChainID = &id
	}
	return st
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the session. Attached bridges observe Done and disconnect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
