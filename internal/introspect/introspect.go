// Package introspect classifies the validator implementation running on
// a remote node from its process listing and configuration, and
// extracts the paths and ports a switch needs.
package introspect

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gagliardetto/solana-go"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/sshpool"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/variant"
)

const (
	agaveExecutableName      = "agave-validator"
	firedancerExecutableName = "fdctl"
	towerFileGlob            = "tower-1_9-*.bin"
)

// Runtime is the resolved, immutable-until-switch description of one
// node's validator process (spec.md §3 NodeRuntime).
type Runtime struct {
	Variant                variant.Variant
	ExecutablePath         string
	LedgerPath             string
	TowerFileGlob          string
	RPCPort                int
	SolanaCLIPath          string
	CurrentIdentityPubkey  solana.PublicKey
	FundedIdentityPubkey   solana.PublicKey
	UnfundedIdentityPubkey solana.PublicKey
	FundedIdentityPath     string
	UnfundedIdentityPath   string
	VoteKeypairPath        string
	IdentityKeypairPath    string
	AuthorizedVoterPaths   []string
}

// IsFunded reports whether the node is currently running with its
// funded (voting) identity.
func (r Runtime) IsFunded() bool {
	return r.CurrentIdentityPubkey.Equals(r.FundedIdentityPubkey)
}

// Introspector drives the remote commands used to classify and extract
// a node's runtime.
type Introspector struct {
	pool *sshpool.Pool
	log  *slog.Logger
}

func New(pool *sshpool.Pool, log *slog.Logger) *Introspector {
	return &Introspector{pool: pool, log: log}
}

// Target bundles the SSH target plus the keypair paths the operator
// configured, needed to compute pubkeys and funded/unfunded comparisons.
type Target struct {
	SSH              sshpool.Target
	FundedIdentity   string
	UnfundedIdentity string
	VoteKeypair      string
}

var (
	psLineRe        = regexp.MustCompile(`^\s*(\d+)\s+(.*)$`)
	identityArgRe   = regexp.MustCompile(`--identity\s+(\S+)`)
	voteAccountArgRe = regexp.MustCompile(`--vote-account\s+(\S+)`)
	ledgerArgRe     = regexp.MustCompile(`--ledger(?:-path)?\s+(\S+)`)
	authVoterArgRe  = regexp.MustCompile(`--authorized-voter\s+(\S+)`)
	rpcPortArgRe    = regexp.MustCompile(`--rpc-port\s+(\d+)`)
	fdctlConfigRe   = regexp.MustCompile(`--config\s+(\S+)`)
)

// Inspect classifies the validator running at t and extracts its full Runtime.
func (i *Introspector) Inspect(ctx context.Context, t Target) (*Runtime, error) {
	res, err := i.pool.Execute(ctx, t.SSH, "ps -eo pid,args", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list processes: exit %d: %s", res.ExitCode, res.Stderr)
	}

	commandLine, isFiredancer, err := classify(res.Stdout)
	if err != nil {
		return nil, err
	}

	var rt *Runtime
	if isFiredancer {
		rt, err = i.inspectFiredancer(ctx, t, commandLine)
	} else {
		rt, err = i.inspectAgave(ctx, t, commandLine)
	}
	if err != nil {
		return nil, err
	}

	cliPath, err := i.resolveSolanaCLIPath(ctx, t.SSH)
	if err != nil {
		return nil, fmt.Errorf("resolve solana cli path: %w", err)
	}
	rt.SolanaCLIPath = cliPath
	if rt.Variant.Kind() == variant.Agave {
		rt.Variant = variant.NewAgave(cliPath)
	}

	currentPubkey, err := i.derivePubkey(ctx, t.SSH, rt.IdentityKeypairPath, cliPath)
	if err != nil {
		return nil, fmt.Errorf("derive identity pubkey: %w", err)
	}
	rt.CurrentIdentityPubkey = currentPubkey

	fundedPubkey, err := i.derivePubkey(ctx, t.SSH, t.FundedIdentity, cliPath)
	if err != nil {
		return nil, fmt.Errorf("derive funded identity pubkey: %w", err)
	}
	rt.FundedIdentityPubkey = fundedPubkey

	unfundedPubkey, err := i.derivePubkey(ctx, t.SSH, t.UnfundedIdentity, cliPath)
	if err != nil {
		return nil, fmt.Errorf("derive unfunded identity pubkey: %w", err)
	}
	rt.UnfundedIdentityPubkey = unfundedPubkey
	rt.FundedIdentityPath = t.FundedIdentity
	rt.UnfundedIdentityPath = t.UnfundedIdentity
	rt.VoteKeypairPath = t.VoteKeypair

	return rt, nil
}

// classify picks, from a `ps -eo pid,args` listing, the single process
// line matching one of the known validator executable names. The match
// is substring, not anchored, so a validator launched via $PATH is
// still recognized (spec.md §4.3 step 1).
func classify(psOutput string) (commandLine string, isFiredancer bool, err error) {
	var agaveLine, fdLine string
	for _, line := range strings.Split(psOutput, "\n") {
		m := psLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		args := m[2]
		switch {
		case strings.Contains(args, firedancerExecutableName):
			fdLine = args
		case strings.Contains(args, agaveExecutableName):
			agaveLine = args
		}
	}
	// fdctl takes priority per spec.md §4.3 step 2.
	if fdLine != "" {
		return fdLine, true, nil
	}
	if agaveLine != "" {
		return agaveLine, false, nil
	}
	return "", false, fmt.Errorf("no known validator process found (looked for %q, %q)", agaveExecutableName, firedancerExecutableName)
}

func (i *Introspector) inspectAgave(ctx context.Context, t Target, commandLine string) (*Runtime, error) {
	identity := firstMatch(identityArgRe, commandLine)
	if identity == "" {
		return nil, fmt.Errorf("agave command line missing --identity: %q", commandLine)
	}
	ledger := firstMatch(ledgerArgRe, commandLine)
	if ledger == "" {
		return nil, fmt.Errorf("agave command line missing --ledger: %q", commandLine)
	}
	rpcPortStr := firstMatch(rpcPortArgRe, commandLine)
	rpcPort, _ := strconv.Atoi(rpcPortStr)

	var authVoters []string
	if av := firstMatch(authVoterArgRe, commandLine); av != "" {
		authVoters = append(authVoters, av)
	}

	return &Runtime{
		Variant:              variant.NewAgave("solana"),
		ExecutablePath:       agaveExecutableName,
		LedgerPath:           ledger,
		TowerFileGlob:        ledger + "/" + towerFileGlob,
		RPCPort:              rpcPort,
		IdentityKeypairPath:  identity,
		AuthorizedVoterPaths: authVoters,
	}, nil
}

func (i *Introspector) inspectFiredancer(ctx context.Context, t Target, commandLine string) (*Runtime, error) {
	configPath := firstMatch(fdctlConfigRe, commandLine)
	if configPath == "" {
		return nil, fmt.Errorf("fdctl command line missing --config: %q", commandLine)
	}

	res, err := i.pool.Execute(ctx, t.SSH, fmt.Sprintf("cat %s", configPath), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("read firedancer config: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("read firedancer config: exit %d: %s", res.ExitCode, res.Stderr)
	}

	var cfg firedancerConfig
	if err := toml.Unmarshal([]byte(res.Stdout), &cfg); err != nil {
		return nil, fmt.Errorf("parse firedancer config %s: %w", configPath, err)
	}

	var authVoters []string
	if cfg.Consensus.AuthorizedVoterPaths != nil {
		authVoters = cfg.Consensus.AuthorizedVoterPaths
	}

	return &Runtime{
		Variant:              variant.NewFiredancer(configPath),
		ExecutablePath:       firedancerExecutableName,
		LedgerPath:           cfg.Ledger.Path,
		TowerFileGlob:        cfg.Ledger.Path + "/" + towerFileGlob,
		RPCPort:              cfg.RPC.Port,
		IdentityKeypairPath:  cfg.Consensus.IdentityPath,
		AuthorizedVoterPaths: authVoters,
	}, nil
}

// firedancerConfig is the subset of Firedancer's TOML configuration
// this tool needs to read.
type firedancerConfig struct {
	Ledger struct {
		Path string `toml:"path"`
	} `toml:"ledger"`
	RPC struct {
		Port int `toml:"port"`
	} `toml:"rpc"`
	Consensus struct {
		IdentityPath         string   `toml:"identity_path"`
		VoteAccountPath      string   `toml:"vote_account_path"`
		AuthorizedVoterPaths []string `toml:"authorized_voter_paths"`
	} `toml:"consensus"`
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func (i *Introspector) resolveSolanaCLIPath(ctx context.Context, t sshpool.Target) (string, error) {
	res, err := i.pool.Execute(ctx, t, "which solana", 5*time.Second)
	if err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "" {
		return strings.TrimSpace(res.Stdout), nil
	}
	// Fall back to the user's install directory, per spec.md §4.3 step 5.
	res, err = i.pool.Execute(ctx, t, "ls $HOME/.local/share/solana/install/active_release/bin/solana", 5*time.Second)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("solana CLI not found via PATH or install directory")
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (i *Introspector) derivePubkey(ctx context.Context, t sshpool.Target, keypairPath, cliPath string) (solana.PublicKey, error) {
	keygenPath := filepath.Join(filepath.Dir(cliPath), "solana-keygen")
	res, err := i.pool.Execute(ctx, t, fmt.Sprintf("%s pubkey %s", keygenPath, keypairPath), 5*time.Second)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if res.ExitCode != 0 {
		return solana.PublicKey{}, fmt.Errorf("solana-keygen pubkey %s: exit %d: %s", keypairPath, res.ExitCode, res.Stderr)
	}
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(res.Stdout))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("parse pubkey from %s: %w", keypairPath, err)
	}
	return pk, nil
}

// CheckSafety enforces spec.md §4.3's Firedancer/Agave safety predicate:
// when auto-failover is armed, identity must not equal the authorized
// voter (they would otherwise both vote and park with the same key).
func CheckSafety(rt *Runtime) error {
	for _, av := range rt.AuthorizedVoterPaths {
		if av == rt.IdentityKeypairPath {
			return fmt.Errorf("identity path %q equals authorized-voter path: refusing to arm auto-failover", rt.IdentityKeypairPath)
		}
	}
	return nil
}
