// Package rpcclient issues the small set of JSON-RPC calls the engine
// needs against a Solana RPC endpoint. It wraps gagliardetto/solana-go's
// rpc.Client behind a narrow interface so the monitor and startup
// verifier can be tested against a fake, in the same style as
// telemetry/global-monitor/internal/sol.SolanaView wraps SolanaRPC.
package rpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// ErrUnhealthy is returned by GetHealth when the node reports anything
// other than "ok".
var ErrUnhealthy = errors.New("rpc: node reported unhealthy")

// VoteAccountInfo is the subset of getVoteAccounts state the monitor and
// alerter care about.
type VoteAccountInfo struct {
	LastVoteSlot    uint64
	EpochCredits    uint64
	ActivatedStake  uint64
	Delinquent      bool
}

// solanaRPC is the narrow surface of the real client this package calls,
// letting tests substitute a fake without spinning up an HTTP server.
type solanaRPC interface {
	GetVoteAccounts(ctx context.Context, opts *solanarpc.GetVoteAccountsOpts) (*solanarpc.GetVoteAccountsResult, error)
	GetEpochInfo(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetEpochInfoResult, error)
	GetHealth(ctx context.Context) (string, error)
}

// Client issues getVoteAccounts/getEpochInfo/getHealth against one
// Solana RPC endpoint with a short default timeout. It performs no
// retries: a failed call here must be visible to the caller's
// FailureTracker rather than silently absorbed (spec.md §4.2, §7).
type Client struct {
	rpc     solanaRPC
	timeout time.Duration
}

// New constructs a Client for the given RPC endpoint.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{rpc: solanarpc.New(endpoint), timeout: timeout}
}

// newWithRPC is used by tests to inject a fake solanaRPC.
func newWithRPC(rpc solanaRPC, timeout time.Duration) *Client {
	return &Client{rpc: rpc, timeout: timeout}
}

// GetVoteAccount returns the current or delinquent vote-account entry
// for votePubkey, or nil if the pubkey is not present in either list.
func (c *Client) GetVoteAccount(ctx context.Context, votePubkey solana.PublicKey) (*VoteAccountInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.rpc.GetVoteAccounts(ctx, &solanarpc.GetVoteAccountsOpts{
		Commitment:     solanarpc.CommitmentConfirmed,
		VotePubkey:     &votePubkey,
	})
	if err != nil {
		return nil, fmt.Errorf("getVoteAccounts: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("getVoteAccounts: nil result")
	}

	for _, va := range res.Current {
		if va.VotePubkey.Equals(votePubkey) {
			return toVoteAccountInfo(va, false), nil
		}
	}
	for _, va := range res.Delinquent {
		if va.VotePubkey.Equals(votePubkey) {
			return toVoteAccountInfo(va, true), nil
		}
	}
	return nil, nil
}

func toVoteAccountInfo(va solanarpc.VoteAccountsResult, delinquent bool) *VoteAccountInfo {
	var epochCredits uint64
	if n := len(va.EpochCredits); n > 0 {
		epochCredits = uint64(va.EpochCredits[n-1][1])
	}
	return &VoteAccountInfo{
		LastVoteSlot:   va.LastVote,
		EpochCredits:   epochCredits,
		ActivatedStake: va.ActivatedStake,
		Delinquent:     delinquent,
	}
}

// GetEpochInfo returns the current epoch info at confirmed commitment.
func (c *Client) GetEpochInfo(ctx context.Context) (*solanarpc.GetEpochInfoResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.rpc.GetEpochInfo(ctx, solanarpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("getEpochInfo: %w", err)
	}
	return res, nil
}

// GetHealth returns nil if the endpoint reports healthy, ErrUnhealthy if
// it explicitly reports otherwise, or a wrapped transport error.
func (c *Client) GetHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	status, err := c.rpc.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("getHealth: %w", err)
	}
	if status != "ok" {
		return ErrUnhealthy
	}
	return nil
}
