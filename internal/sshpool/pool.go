// Package sshpool multiplexes long-lived SSH control sessions across a
// small set of validator hosts and exposes the three primitives the
// switchover orchestrator and introspector need: bounded command
// execution, line-streamed command execution, and small binary file
// transfer. Sessions are cached per (host, port, user, key) and reused
// while healthy; any transport failure evicts the cached session so the
// next call transparently reopens it.
package sshpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target identifies the SSH endpoint a command or transfer runs against.
type Target struct {
	Host           string
	Port           int
	User           string
	SSHKeyPath     string
	KnownHostsPath string
}

func (t Target) key() string {
	return fmt.Sprintf("%s@%s:%d#%s", t.User, t.Host, t.Port, t.SSHKeyPath)
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// LineSink receives successive lines of a streaming command's stdout.
type LineSink func(line string)

// Result is the outcome of a bounded (non-streaming) command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Pool owns every cached SSH client. Callers never hold a client
// directly; they always go through Execute/ExecuteStreaming/WriteBase64ToFile.
type Pool struct {
	log   *slog.Logger
	clock clockwork.Clock

	idleWindow     time.Duration
	connectTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*cachedClient
}

type cachedClient struct {
	client   *ssh.Client
	lastUsed time.Time
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithIdleWindow overrides the default 300s idle-eviction window.
func WithIdleWindow(d time.Duration) Option {
	return func(p *Pool) { p.idleWindow = d }
}

// WithConnectTimeout overrides the default dial/handshake timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) { p.connectTimeout = d }
}

// WithClock injects a clockwork.Clock, for deterministic idle-window tests.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// New constructs an empty Pool. No connections are made until the first call.
func New(log *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		log:            log,
		clock:          clockwork.NewRealClock(),
		idleWindow:     300 * time.Second,
		connectTimeout: 10 * time.Second,
		sessions:       make(map[string]*cachedClient),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Close evicts and closes every cached session. Intended for shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, cc := range p.sessions {
		_ = cc.client.Close()
		delete(p.sessions, k)
	}
}

// clientFor returns a healthy, cached *ssh.Client for target, dialing
// and authenticating a new one if none is cached, the cached one has
// gone idle past idleWindow, or its liveness probe fails.
func (p *Pool) clientFor(ctx context.Context, t Target) (*ssh.Client, error) {
	key := t.key()

	p.mu.Lock()
	cc, ok := p.sessions[key]
	p.mu.Unlock()

	if ok {
		if p.clock.Since(cc.lastUsed) <= p.idleWindow && p.probe(ctx, cc.client) {
			p.mu.Lock()
			cc.lastUsed = p.clock.Now()
			p.mu.Unlock()
			return cc.client, nil
		}
		p.evict(key, cc.client)
	}

	client, err := p.dial(t)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.addr(), err)
	}

	p.mu.Lock()
	p.sessions[key] = &cachedClient{client: client, lastUsed: p.clock.Now()}
	p.mu.Unlock()

	return client, nil
}

// probe runs a zero-arg liveness command over an existing client.
func (p *Pool) probe(ctx context.Context, client *ssh.Client) bool {
	sess, err := client.NewSession()
	if err != nil {
		return false
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run("true") }()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(3 * time.Second):
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) evict(key string, client *ssh.Client) {
	p.mu.Lock()
	delete(p.sessions, key)
	p.mu.Unlock()
	_ = client.Close()
}

func (p *Pool) dial(t Target) (*ssh.Client, error) {
	signer, err := loadSigner(t.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key %q: %w", t.SSHKeyPath, err)
	}
	hostKeyCallback, err := knownhosts.New(expandHome(t.KnownHostsPath))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %q: %w", t.KnownHostsPath, err)
	}
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.connectTimeout,
	}
	return ssh.Dial("tcp", t.addr(), cfg)
}

func loadSigner(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(raw)
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

// Execute runs command_line to completion and returns its stdout,
// stderr, and exit code. A non-zero exit code is a normal result, not
// an error; only transport-level failures are returned as errors.
func (p *Pool) Execute(ctx context.Context, t Target, commandLine string, timeout time.Duration) (Result, error) {
	client, err := p.clientFor(ctx, t)
	if err != nil {
		return Result{}, err
	}

	sess, err := client.NewSession()
	if err != nil {
		p.evict(t.key(), client)
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr writeBuffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(commandLine) }()

	select {
	case runErr := <-done:
		exitCode := exitCodeFromErr(runErr)
		if runErr != nil && exitCode == -1 {
			// Not a well-formed remote exit: treat as transport failure.
			p.evict(t.key(), client)
			return Result{}, fmt.Errorf("run %q: %w", commandLine, runErr)
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	case <-time.After(timeout):
		_ = sess.Signal(ssh.SIGKILL)
		p.evict(t.key(), client)
		return Result{}, fmt.Errorf("run %q: timed out after %s", commandLine, timeout)
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	}
}

// ExecuteStreaming runs a long-running command, delivering each line of
// its stdout to sink as it arrives, and returns once the command
// terminates (or the timeout/context elapses).
func (p *Pool) ExecuteStreaming(ctx context.Context, t Target, commandLine string, timeout time.Duration, sink LineSink) (int, error) {
	client, err := p.clientFor(ctx, t)
	if err != nil {
		return 0, err
	}

	sess, err := client.NewSession()
	if err != nil {
		p.evict(t.key(), client)
		return 0, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr writeBuffer
	sess.Stderr = &stderr

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdoutPipe)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	if err := sess.Start(commandLine); err != nil {
		p.evict(t.key(), client)
		return 0, fmt.Errorf("start %q: %w", commandLine, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if sink != nil {
				sink(line)
			}
		case runErr := <-done:
			for line := range drain(lines) {
				if sink != nil {
					sink(line)
				}
			}
			exitCode := exitCodeFromErr(runErr)
			if runErr != nil && exitCode == -1 {
				p.evict(t.key(), client)
				return 0, fmt.Errorf("run %q: %w", commandLine, runErr)
			}
			return exitCode, nil
		case <-deadline:
			_ = sess.Signal(ssh.SIGKILL)
			p.evict(t.key(), client)
			return 0, fmt.Errorf("run %q: timed out after %s", commandLine, timeout)
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			return 0, ctx.Err()
		}
	}
}

func drain(lines chan string) chan string {
	out := make(chan string, len(lines))
	if lines == nil {
		close(out)
		return out
	}
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				close(out)
				return out
			}
			out <- l
		default:
			close(out)
			return out
		}
	}
}

// WriteBase64ToFile transfers a small (<1MB) binary payload, already
// base64-encoded, to remotePath in a single streamed pipeline: the
// remote side decodes stdin and writes directly to the destination
// file. The path is single-quoted by shellQuoteArg before it is placed
// in the remote command string, so the shell reads it as one literal
// argument.
func (p *Pool) WriteBase64ToFile(ctx context.Context, t Target, remotePath string, base64Payload string) error {
	client, err := p.clientFor(ctx, t)
	if err != nil {
		return err
	}

	sess, err := client.NewSession()
	if err != nil {
		p.evict(t.key(), client)
		return fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	var stderr writeBuffer
	sess.Stderr = &stderr

	// base64 -d decodes stdin; the destination path is shell-quoted so it
	// reaches `tee` as a single literal argument.
	cmd := fmt.Sprintf("base64 -d | tee %s > /dev/null", shellQuoteArg(remotePath))
	if err := sess.Start(cmd); err != nil {
		p.evict(t.key(), client)
		return fmt.Errorf("start transfer: %w", err)
	}

	if _, err := io.WriteString(stdin, base64Payload); err != nil {
		_ = sess.Signal(ssh.SIGKILL)
		p.evict(t.key(), client)
		return fmt.Errorf("write payload: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("transfer to %s: %w (stderr: %s)", remotePath, err, stderr.String())
		}
		return nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

// shellQuoteArg produces a single-quoted, shell-safe literal for
// remotePath. It never formats the path into a larger unquoted string.
func shellQuoteArg(s string) string {
	return "'" + replaceAll(s, "'", `'\''`) + "'"
}

func replaceAll(s, old, new string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if old == string(s[i]) {
			out = append(out, new...)
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func exitCodeFromErr(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitStatus()
	}
	return -1
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

type writeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (w *writeBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *writeBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
