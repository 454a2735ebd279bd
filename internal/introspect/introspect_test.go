package introspect

import (
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func newTestPubkey(t *testing.T) solana.PublicKey {
	t.Helper()
	return solana.NewWallet().PublicKey()
}

func TestClassify_PrefersFiredancerOverAgave(t *testing.T) {
	t.Parallel()

	ps := "  1 /usr/bin/agave-validator --identity /a\n" +
		"  2 fdctl run --config /etc/fd.toml\n"
	cmdLine, isFD, err := classify(ps)
	require.NoError(t, err)
	require.True(t, isFD)
	require.Contains(t, cmdLine, "fdctl")
}

func TestClassify_FallsBackToAgaveWhenNoFiredancer(t *testing.T) {
	t.Parallel()

	ps := "  1 sshd\n" +
		"  2 agave-validator --identity /a --ledger /mnt/ledger --rpc-port 8899\n"
	cmdLine, isFD, err := classify(ps)
	require.NoError(t, err)
	require.False(t, isFD)
	require.Contains(t, cmdLine, "agave-validator")
}

func TestClassify_ErrorsWhenNeitherProcessIsPresent(t *testing.T) {
	t.Parallel()

	_, _, err := classify("  1 sshd\n  2 bash\n")
	require.Error(t, err)
}

func TestInspectAgave_ParsesArgsFromCommandLine(t *testing.T) {
	t.Parallel()

	i := &Introspector{}
	cmdLine := "/usr/bin/agave-validator --identity /home/sol/validator-keypair.json " +
		"--ledger /mnt/ledger --rpc-port 8899 --authorized-voter /home/sol/vote-keypair.json"

	rt, err := i.inspectAgave(nil, Target{}, cmdLine)
	require.NoError(t, err)
	require.Equal(t, "/home/sol/validator-keypair.json", rt.IdentityKeypairPath)
	require.Equal(t, "/mnt/ledger", rt.LedgerPath)
	require.Equal(t, "/mnt/ledger/tower-1_9-*.bin", rt.TowerFileGlob)
	require.Equal(t, 8899, rt.RPCPort)
	require.Equal(t, []string{"/home/sol/vote-keypair.json"}, rt.AuthorizedVoterPaths)
}

func TestInspectAgave_ErrorsWhenIdentityMissing(t *testing.T) {
	t.Parallel()

	i := &Introspector{}
	_, err := i.inspectAgave(nil, Target{}, "/usr/bin/agave-validator --ledger /mnt/ledger")
	require.Error(t, err)
}

func TestFiredancerConfig_ParsesTOML(t *testing.T) {
	t.Parallel()

	raw := `
[ledger]
path = "/mnt/fd-ledger"

[rpc]
port = 8899

[consensus]
identity_path = "/home/sol/validator-keypair.json"
vote_account_path = "/home/sol/vote-keypair.json"
authorized_voter_paths = ["/home/sol/vote-keypair.json"]
`
	var cfg firedancerConfig
	require.NoError(t, toml.Unmarshal([]byte(raw), &cfg))
	require.Equal(t, "/mnt/fd-ledger", cfg.Ledger.Path)
	require.Equal(t, 8899, cfg.RPC.Port)
	require.Equal(t, "/home/sol/validator-keypair.json", cfg.Consensus.IdentityPath)
	require.Equal(t, []string{"/home/sol/vote-keypair.json"}, cfg.Consensus.AuthorizedVoterPaths)
}

func TestRuntime_IsFunded(t *testing.T) {
	t.Parallel()

	funded := newTestPubkey(t)
	unfunded := newTestPubkey(t)

	rt := Runtime{CurrentIdentityPubkey: funded, FundedIdentityPubkey: funded, UnfundedIdentityPubkey: unfunded}
	require.True(t, rt.IsFunded())

	rt.CurrentIdentityPubkey = unfunded
	require.False(t, rt.IsFunded())
}

func TestCheckSafety_RejectsIdentityEqualToAuthorizedVoter(t *testing.T) {
	t.Parallel()

	rt := &Runtime{
		IdentityKeypairPath: "/home/sol/validator-keypair.json",
		AuthorizedVoterPaths: []string{
			"/home/sol/validator-keypair.json",
		},
	}
	require.Error(t, CheckSafety(rt))
}

func TestCheckSafety_AllowsDistinctIdentityAndAuthorizedVoter(t *testing.T) {
	t.Parallel()

	rt := &Runtime{
		IdentityKeypairPath:  "/home/sol/validator-keypair.json",
		AuthorizedVoterPaths: []string{"/home/sol/vote-keypair.json"},
	}
	require.NoError(t, CheckSafety(rt))
}
