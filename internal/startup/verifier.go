// Package startup runs the introspector against both nodes of every
// configured ValidatorPair once at launch, enforces the safety
// invariants named in spec.md §4.4, and constructs the initial PairState.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/config"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/introspect"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/pairstate"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/rpcclient"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/sshpool"
)

func sshTargetOf(node config.NodeConfig) sshpool.Target {
	return sshpool.Target{
		Host:           node.Host,
		Port:           node.ResolvedPort(),
		User:           node.User,
		SSHKeyPath:     node.ResolvedSSHKeyPath(),
		KnownHostsPath: node.ResolvedKnownHostsPath(),
	}
}

// StartupSafetyError is returned when an invariant named in spec.md §4.4
// is violated; the CLI layer maps it to exit code 3.
type StartupSafetyError struct {
	Pair   string
	Reason string
}

func (e *StartupSafetyError) Error() string {
	return fmt.Sprintf("startup safety check failed for %s: %s", e.Pair, e.Reason)
}

// Verifier runs C3 against both nodes of each pair and seeds PairState.
type Verifier struct {
	introspector *introspect.Introspector
	log          *slog.Logger
}

func New(introspector *introspect.Introspector, log *slog.Logger) *Verifier {
	return &Verifier{introspector: introspector, log: log}
}

// Result is the fully-verified, ready-to-monitor state for one pair.
type Result struct {
	Config config.ValidatorPair
	Pair   *pairstate.Pair
}

// VerifyAll runs startup verification for every configured pair
// concurrently and fails fast on the first safety violation.
func (v *Verifier) VerifyAll(ctx context.Context, pairs []config.ValidatorPair, rpcClients map[string]*rpcclient.Client, autoFailoverArmed bool) ([]*Result, error) {
	results := make([]*Result, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			res, err := v.verifyPair(gctx, pair, rpcClients[pair.RPC], autoFailoverArmed)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (v *Verifier) verifyPair(ctx context.Context, pair config.ValidatorPair, rpc *rpcclient.Client, autoFailoverArmed bool) (*Result, error) {
	identityPubkey, err := solana.PublicKeyFromBase58(pair.IdentityPubkey)
	if err != nil {
		return nil, fmt.Errorf("pair %s: invalid identityPubkey: %w", pair.IdentityPubkey, err)
	}
	votePubkey, err := solana.PublicKeyFromBase58(pair.VotePubkey)
	if err != nil {
		return nil, fmt.Errorf("pair %s: invalid votePubkey: %w", pair.IdentityPubkey, err)
	}

	var runtimes [2]*introspect.Runtime
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range pair.Nodes {
		i, node := i, node
		g.Go(func() error {
			rt, err := v.introspector.Inspect(gctx, introspect.Target{
				SSH: sshTargetOf(node),
				FundedIdentity:   node.Paths.FundedIdentity,
				UnfundedIdentity: node.Paths.UnfundedIdentity,
				VoteKeypair:      node.Paths.VoteKeypair,
			})
			if err != nil {
				return fmt.Errorf("node %s: %w", node.Label, err)
			}
			runtimes[i] = rt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, rt := range runtimes {
		if autoFailoverArmed {
			if err := introspect.CheckSafety(rt); err != nil {
				return nil, &StartupSafetyError{Pair: pair.IdentityPubkey, Reason: fmt.Sprintf("node %s: %s", pair.Nodes[i].Label, err)}
			}
		}
	}

	activeCount := 0
	for _, rt := range runtimes {
		if rt.IsFunded() {
			activeCount++
		}
	}

	if activeCount == 0 {
		return nil, &StartupSafetyError{Pair: pair.IdentityPubkey, Reason: "no node is active"}
	}
	if activeCount > 1 {
		return nil, &StartupSafetyError{Pair: pair.IdentityPubkey, Reason: "both nodes are active"}
	}

	if autoFailoverArmed {
		// The "unfunded-identity-on-startup" invariant, spec.md §2/§4.4:
		// the standby node must be confirmed running its configured
		// unfunded identity, not some third, unaccounted-for keypair —
		// otherwise an automatic switch could hand the funded identity
		// to a node whose current identity was never verified safe.
		for i, rt := range runtimes {
			if rt.IsFunded() {
				continue
			}
			if !rt.CurrentIdentityPubkey.Equals(rt.UnfundedIdentityPubkey) {
				return nil, &StartupSafetyError{
					Pair:   pair.IdentityPubkey,
					Reason: fmt.Sprintf("node %s (standby) is not running its configured unfunded identity", pair.Nodes[i].Label),
				}
			}
		}
	}

	p, err := pairstate.New(pair.Nodes[0].Label+"/"+pair.Nodes[1].Label, votePubkey, identityPubkey, runtimes)
	if err != nil {
		return nil, &StartupSafetyError{Pair: pair.IdentityPubkey, Reason: err.Error()}
	}

	if rpc != nil {
		va, err := rpc.GetVoteAccount(ctx, votePubkey)
		if err != nil {
			v.log.Warn("startup: failed to seed initial vote observation", "pair", pair.IdentityPubkey, "error", err)
		} else if va != nil {
			p.UpdateVoteObservation(va.LastVoteSlot, time.Now())
		}
	}

	return &Result{Config: pair, Pair: p}, nil
}
