package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Network is one EVM endpoint from a network manifest.
type Network struct {
	Name    string `yaml:"-"`
	Type    string `yaml:"type"`
	RPCURL  string `yaml:"rpc_url"`
	ChainID int64  `yaml:"chain_id"`
	Notes   string `yaml:"notes"`
}

type manifest struct {
	Networks map[string]Network `yaml:"networks"`
}

// LoadNetworks reads a manifest of the form
//
//	networks:
//	  arc-testnet:
//	    rpc_url: https://rpc.testnet.arc.network
//	    chain_id: 54286
//
// and returns the entries sorted by name. ${VAR} references in rpc_url are
// expanded from the environment so provider keys stay out of the file. An
// empty path yields no networks.
func LoadNetworks(path string) ([]Network, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode network manifest %s: %w", path, err)
	}

	out := make([]Network, 0, len(m.Networks))
	for name, n := range m.Networks {
		n.Name = name
		n.Type = strings.ToLower(strings.TrimSpace(n.Type))
		if n.Type == "" {
			n.Type = "evm"
		}
		n.RPCURL = strings.TrimSpace(os.ExpandEnv(n.RPCURL))
		switch {
		case n.Type != "evm":
			return nil, fmt.Errorf("network %s: unsupported type %q", name, n.Type)
		case n.RPCURL == "":
			return nil, fmt.Errorf("network %s: rpc_url is empty", name)
		case n.ChainID < 0:
			return nil, fmt.Errorf("network %s: negative chain_id", name)
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
