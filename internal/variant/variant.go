// Package variant models the two validator implementations this tool
// can drive, as a closed tagged union with a single trait-like surface
// rather than a subclass hierarchy (spec.md §9).
package variant

import "fmt"

// Kind identifies which validator implementation is running on a node.
type Kind int

const (
	Agave Kind = iota
	Firedancer
)

func (k Kind) String() string {
	switch k {
	case Agave:
		return "agave"
	case Firedancer:
		return "firedancer"
	default:
		return "unknown"
	}
}

// IdentityKind selects which keypair a set-identity command should switch to.
type IdentityKind int

const (
	Funded IdentityKind = iota
	Unfunded
)

// Variant is the closed interface both validator implementations satisfy.
type Variant interface {
	Kind() Kind
	// SetIdentityCommand returns the remote command line that switches
	// this node's running validator to the funded or unfunded keypair.
	SetIdentityCommand(kind IdentityKind, keypairPath string) string
	// CatchupCommand returns the remote command line that streams
	// catchup progress for this node's RPC port.
	CatchupCommand(solanaCliPath string, rpcPort int) string
}

// agaveVariant drives an agave-validator process via its CLI.
type agaveVariant struct {
	cliPath string
}

// NewAgave constructs the Agave variant, bound to the resolved path of
// the `solana` CLI binary used to issue set-identity and catchup.
func NewAgave(cliPath string) Variant {
	return agaveVariant{cliPath: cliPath}
}

func (a agaveVariant) Kind() Kind { return Agave }

func (a agaveVariant) SetIdentityCommand(_ IdentityKind, keypairPath string) string {
	// No --require-tower: the orchestrator moves the tower file itself
	// (spec.md §4.1, §4.8) rather than relying on the CLI to refuse
	// starting without one.
	return fmt.Sprintf("%s set-identity %s", a.cliPath, keypairPath)
}

func (a agaveVariant) CatchupCommand(solanaCliPath string, rpcPort int) string {
	return fmt.Sprintf("%s catchup --our-localhost %d", solanaCliPath, rpcPort)
}

// firedancerVariant drives an fdctl-managed Firedancer process.
type firedancerVariant struct {
	configPath string
}

// NewFiredancer constructs the Firedancer variant, bound to the path of
// its TOML configuration file (required by every fdctl invocation).
func NewFiredancer(configPath string) Variant {
	return firedancerVariant{configPath: configPath}
}

func (f firedancerVariant) Kind() Kind { return Firedancer }

func (f firedancerVariant) ConfigPath() string { return f.configPath }

func (f firedancerVariant) SetIdentityCommand(_ IdentityKind, keypairPath string) string {
	return fmt.Sprintf("fdctl set-identity --config %s %s", f.configPath, keypairPath)
}

func (f firedancerVariant) CatchupCommand(solanaCliPath string, rpcPort int) string {
	// Catchup is always issued via the Solana CLI regardless of variant
	// (spec.md §4.8 command table).
	return fmt.Sprintf("%s catchup --our-localhost %d", solanaCliPath, rpcPort)
}

// ConfigPathOf returns the Firedancer TOML config path for a variant, if
// it is one; ok is false for Agave.
func ConfigPathOf(v Variant) (path string, ok bool) {
	if f, isF := v.(firedancerVariant); isF {
		return f.configPath, true
	}
	return "", false
}
