// Package config loads and validates the operator-supplied YAML
// configuration describing validator pairs and alerting policy.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDelinquencyThreshold  = 30 * time.Second
	DefaultSSHFailureThreshold   = 30 * time.Minute
	DefaultRPCFailureThreshold   = 30 * time.Minute
	DefaultHighSeverityCooldown  = 15 * time.Minute
	DefaultLowSeverityCooldown   = 30 * time.Minute
	DefaultSSHConnectTimeout     = 10 * time.Second
	DefaultSSHIdleWindow         = 300 * time.Second
	DefaultSSHKeyPath            = "~/.ssh/id_ed25519"
	DefaultKnownHostsPath        = "~/.ssh/known_hosts"
	DefaultVotePollInterval      = 5 * time.Second
	DefaultNodeProbeInterval     = 10 * time.Second
	DefaultRPCCallTimeout        = 5 * time.Second
	DefaultCommandTimeout        = 30 * time.Second
	DefaultCatchupTimeout        = 2 * time.Minute
	DefaultMetricsAddr           = "127.0.0.1:2113"
)

// NodePaths are the remote filesystem paths an operator has configured
// for one node of a validator pair.
type NodePaths struct {
	FundedIdentity   string `yaml:"fundedIdentity" validate:"required"`
	UnfundedIdentity string `yaml:"unfundedIdentity" validate:"required"`
	VoteKeypair      string `yaml:"voteKeypair" validate:"required"`
}

// NodeConfig is immutable once loaded: one SSH-reachable host belonging
// to a ValidatorPair.
type NodeConfig struct {
	Label      string    `yaml:"label" validate:"required"`
	Host       string    `yaml:"host" validate:"required"`
	Port       int       `yaml:"port"`
	User       string    `yaml:"user" validate:"required"`
	SSHKeyPath string    `yaml:"sshKeyPath"`
	KnownHostsPath string `yaml:"knownHostsPath"`
	Paths      NodePaths `yaml:"paths" validate:"required"`
}

// ResolvedPort returns the configured SSH port, defaulting to 22.
func (n NodeConfig) ResolvedPort() int {
	if n.Port == 0 {
		return 22
	}
	return n.Port
}

// ResolvedSSHKeyPath returns the configured key path, defaulting to the
// operator's ed25519 identity.
func (n NodeConfig) ResolvedSSHKeyPath() string {
	if n.SSHKeyPath == "" {
		return DefaultSSHKeyPath
	}
	return n.SSHKeyPath
}

// ResolvedKnownHostsPath returns the configured known_hosts path used to
// verify this node's host key, defaulting to the operator's own.
func (n NodeConfig) ResolvedKnownHostsPath() string {
	if n.KnownHostsPath == "" {
		return DefaultKnownHostsPath
	}
	return n.KnownHostsPath
}

// TelegramConfig carries the credentials for the Telegram sink.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// SlackConfig carries the credentials for the supplemental Slack sink.
type SlackConfig struct {
	BotToken string `yaml:"botToken"`
	Channel  string `yaml:"channel"`
}

// AlertConfig configures the alerter and auto-failover gate. Fields left
// zero fall back to their package defaults (see ResolvedXxx methods).
type AlertConfig struct {
	Enabled                   bool           `yaml:"enabled"`
	DelinquencyThresholdSecs  int            `yaml:"delinquencyThresholdSeconds"`
	SSHFailureThresholdSecs   int            `yaml:"sshFailureThresholdSeconds"`
	RPCFailureThresholdSecs   int            `yaml:"rpcFailureThresholdSeconds"`
	AutoFailoverEnabled       bool           `yaml:"autoFailoverEnabled"`
	Telegram                  TelegramConfig `yaml:"telegram"`
	Slack                     SlackConfig    `yaml:"slack"`
}

func (a AlertConfig) ResolvedDelinquencyThreshold() time.Duration {
	if a.DelinquencyThresholdSecs <= 0 {
		return DefaultDelinquencyThreshold
	}
	return time.Duration(a.DelinquencyThresholdSecs) * time.Second
}

func (a AlertConfig) ResolvedSSHFailureThreshold() time.Duration {
	if a.SSHFailureThresholdSecs <= 0 {
		return DefaultSSHFailureThreshold
	}
	return time.Duration(a.SSHFailureThresholdSecs) * time.Second
}

func (a AlertConfig) ResolvedRPCFailureThreshold() time.Duration {
	if a.RPCFailureThresholdSecs <= 0 {
		return DefaultRPCFailureThreshold
	}
	return time.Duration(a.RPCFailureThresholdSecs) * time.Second
}

// ValidatorPair is exactly two nodes sharing one on-chain identity.
type ValidatorPair struct {
	VotePubkey     string       `yaml:"votePubkey" validate:"required"`
	IdentityPubkey string       `yaml:"identityPubkey" validate:"required"`
	RPC            string       `yaml:"rpc" validate:"required,url"`
	Nodes          []NodeConfig `yaml:"nodes" validate:"required,len=2,dive"`
}

// Root is the top-level parsed and validated configuration document.
type Root struct {
	Version     string          `yaml:"version" validate:"required"`
	Validators  []ValidatorPair `yaml:"validators" validate:"required,min=1,dive"`
	AlertConfig AlertConfig     `yaml:"alert_config"`
	MetricsAddr string          `yaml:"metricsAddr"`
}

// ResolvedMetricsAddr returns the configured metrics listen address,
// defaulting to the loopback address the teacher's collectors use.
func (r *Root) ResolvedMetricsAddr() string {
	if r.MetricsAddr == "" {
		return DefaultMetricsAddr
	}
	return r.MetricsAddr
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads, parses, and validates the YAML configuration at path.
// Any structural problem (missing required fields, malformed endpoints,
// etc.) is returned as a single wrapped error — the caller (cmd/vswitch)
// maps this to the configuration-error exit code.
func Load(path string) (*Root, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var root Root
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	return &root, nil
}

// Validate enforces structural invariants beyond what struct tags can
// express: exactly two nodes per pair (tag-enforced above, re-checked
// here for a clearer message) and distinct hosts within a pair.
func (r *Root) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	seenIdentities := make(map[string]struct{}, len(r.Validators))
	for i, pair := range r.Validators {
		if len(pair.Nodes) != 2 {
			return fmt.Errorf("validator %d (%s): exactly two nodes are required, got %d", i, pair.IdentityPubkey, len(pair.Nodes))
		}
		if pair.Nodes[0].Host == pair.Nodes[1].Host {
			return fmt.Errorf("validator %d (%s): nodes must have distinct hosts", i, pair.IdentityPubkey)
		}
		if _, dup := seenIdentities[pair.IdentityPubkey]; dup {
			return fmt.Errorf("duplicate identityPubkey %q across validators", pair.IdentityPubkey)
		}
		seenIdentities[pair.IdentityPubkey] = struct{}{}
	}
	return nil
}
