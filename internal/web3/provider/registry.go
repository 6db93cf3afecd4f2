// Package provider dials the configured EVM networks and picks the one the
// gateway submits to.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"IntentArc/internal/config"
	"IntentArc/internal/web3"
	"IntentArc/internal/web3/ethereum"
)

// Registry holds one client per network, in manifest order.
type Registry struct {
	primary string
	names   []string
	clients map[string]web3.Client
}

// NewRegistry dials every network in the manifest, or the single rpc_url from
// cfg when no manifest is given. The signer key comes from the environment
// variable named by SignerKeyEnv.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	nets, err := networks(cfg)
	if err != nil {
		return nil, err
	}
	key := ""
	if env := strings.TrimSpace(cfg.SignerKeyEnv); env != "" {
		key = strings.TrimSpace(os.Getenv(env))
	}

	r := &Registry{clients: make(map[string]web3.Client, len(nets))}
	for _, n := range nets {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:      n.Name,
			RPCURL:    n.RPCURL,
			ChainID:   n.ChainID,
			Notes:     n.Notes,
			SignerKey: key,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("dial %s: %w", n.Name, err)
		}
		r.add(n.Name, client)
	}
	if err := r.selectPrimary(cfg.DefaultChain); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func networks(cfg config.Web3Config) ([]web3.Network, error) {
	nets, err := web3.LoadNetworks(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(nets) > 0 {
		return nets, nil
	}
	if rpc := strings.TrimSpace(cfg.RPCURL); rpc != "" {
		name := cfg.DefaultChain
		if name == "" {
			name = "default"
		}
		return []web3.Network{{Name: name, Type: "evm", RPCURL: rpc, ChainID: cfg.ChainID}}, nil
	}
	return nil, errors.New("no rpc endpoint configured")
}

// NewStaticRegistry wraps clients that are already connected.
func NewStaticRegistry(primary string, clients map[string]web3.Client) (*Registry, error) {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	r := &Registry{clients: make(map[string]web3.Client, len(clients))}
	for _, name := range names {
		r.add(name, clients[name])
	}
	if err := r.selectPrimary(primary); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) add(name string, c web3.Client) {
	r.names = append(r.names, name)
	r.clients[name] = c
}

// selectPrimary falls back to the first network when name is empty.
func (r *Registry) selectPrimary(name string) error {
	if name == "" && len(r.names) > 0 {
		name = r.names[0]
	}
	if _, ok := r.clients[name]; !ok {
		return fmt.Errorf("network %q is not configured", name)
	}
	r.primary = name
	return nil
}

// DefaultClient returns the network transactions are submitted to.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil || r.clients[r.primary] == nil {
		return nil, errors.New("no primary network")
	}
	return r.clients[r.primary], nil
}

// Snapshots reports chain ID and head block per network. A network that
// cannot be reached is still listed, with the error in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	out := make([]web3.ChainSnapshot, 0, len(r.names))
	for _, name := range r.names {
		snap, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Notes: err.Error()}
		}
		snap.Name = name
		out = append(out, snap)
	}
	return out
}

// Close disconnects every client. The registry is unusable afterwards.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, name := range r.names {
		if c := r.clients[name]; c != nil {
			c.Close()
		}
	}
	r.names = nil
	r.clients = map[string]web3.Client{}
}
