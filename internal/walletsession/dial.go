package walletsession

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// AttachRPC dials a JSON-RPC wallet endpoint (http, ws or ipc) and attaches
// it under ns. The caller owns the returned client and must Close it after
// detaching.
func (s *Session) AttachRPC(ctx context.Context, ns Namespace, rawurl string) (*rpc.Client, error) {
	client, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("walletsession: dial wallet rpc: %w", err)
	}
	s.Attach(ns, client)
	return client, nil
}
