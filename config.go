package chorus

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cmwaters/chorus/consensus"
	"github.com/cmwaters/chorus/network"
	"github.com/cmwaters/chorus/pkg/group"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Transports
const (
	TransportHTTP   = "http"
	TransportLibp2p = "libp2p"
)

// Store kinds
const (
	StoreFile    = "file"
	StoreLevelDB = "leveldb"
	StoreMemory  = "memory"
)

const DefaultNetworkName = "chorus"

type PeerConfig struct {
	ID string `yaml:"id"`
	// Endpoint is a base URL for the http transport and a peer id or /p2p/
	// multiaddr for the libp2p transport.
	Endpoint string `yaml:"endpoint"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path,omitempty"`
}

type Libp2pConfig struct {
	ListenAddrs []string `yaml:"listen_addrs,omitempty"`
	// AnnounceTopic enables gossiping round outcomes when set
	AnnounceTopic string `yaml:"announce_topic,omitempty"`
}

// Config describes a deployment. It is read from a YAML file; JSON is
// accepted as well since it is a subset.
type Config struct {
	// NetworkName scopes the libp2p protocols
	NetworkName string               `yaml:"network_name"`
	Transport   string               `yaml:"transport"`
	ModelName   string               `yaml:"model_name"`
	Peers       []PeerConfig         `yaml:"peers"`
	Parameters  consensus.Parameters `yaml:"parameters"`
	Store       StoreConfig          `yaml:"store"`
	Libp2p      Libp2pConfig         `yaml:"libp2p,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		NetworkName: DefaultNetworkName,
		Transport:   TransportHTTP,
		ModelName:   network.DefaultModelName,
		Parameters:  consensus.DefaultParameters(),
		Store:       StoreConfig{Kind: StoreMemory},
	}
}

// LoadConfig reads the file at path on top of the defaults and validates the
// result. Unknown fields are an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("%w: no peers configured", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("%w: peer %d has no id", ErrInvalidConfig, i)
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("%w: duplicate peer %q", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Endpoint == "" {
			return fmt.Errorf("%w: peer %q has no endpoint", ErrInvalidConfig, p.ID)
		}
	}

	switch c.Transport {
	case TransportHTTP, TransportLibp2p:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Transport == TransportLibp2p && c.NetworkName == "" {
		return fmt.Errorf("%w: libp2p transport requires a network name", ErrInvalidConfig)
	}
	if c.Libp2p.AnnounceTopic != "" && c.Transport != TransportLibp2p {
		return fmt.Errorf("%w: announcing outcomes requires the libp2p transport", ErrInvalidConfig)
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreLevelDB:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: %s store requires a path", ErrInvalidConfig, c.Store.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store.Kind)
	}

	if err := c.Parameters.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Members returns the configured peers in their registry form.
func (c *Config) Members() []group.Member {
	members := make([]group.Member, len(c.Peers))
	for i, p := range c.Peers {
		members[i] = group.Member{ID: p.ID, Endpoint: p.Endpoint}
	}
	return members
}
