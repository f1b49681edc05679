package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
)

// stdioMaxLine bounds one JSON-RPC frame on the child's stdout.
const stdioMaxLine = 1024 * 1024

// defaultRequestTimeout applies when the server config carries none.
const defaultRequestTimeout = 30 * time.Second

// stdioTransport speaks newline-delimited JSON-RPC to a subprocess.
type stdioTransport struct {
	cfg    config.MCPServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending *pendingCalls
	events  chan *JSONRPCNotification
	nextID  atomic.Int64

	connected atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func newStdioTransport(cfg config.MCPServerConfig, logger *slog.Logger) *stdioTransport {
	return &stdioTransport{
		cfg:     cfg,
		logger:  logger.With("mcp_server", cfg.Name, "transport", "stdio"),
		pending: newPendingCalls(),
		events:  make(chan *JSONRPCNotification, 100),
		stop:    make(chan struct{}),
	}
}

// Connect spawns the subprocess and starts the stdout and stderr readers.
func (t *stdioTransport) Connect(ctx context.Context) error {
	if t.cfg.Command == "" {
		return fmt.Errorf("mcp: stdio transport requires a command")
	}

	t.process = exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.cfg.Env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("mcp: start %s: %w", t.cfg.Command, err)
	}

	t.connected.Store(true)
	t.logger.Info("mcp server process started", "command", t.cfg.Command, "pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	return nil
}

// Close kills the subprocess. The spawner owns the child, so shutdown
// must not leave it orphaned.
func (t *stdioTransport) Close() error {
	t.stopOnce.Do(func() {
		t.connected.Store(false)
		close(t.stop)
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			t.process.Process.Kill()
			t.process.Wait()
		}
		t.wg.Wait()
		t.pending.failAll("transport closed")
	})
	return nil
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	data, err := marshalRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := t.pending.add(id)
	defer t.pending.drop(id)

	if err := t.writeLine(data); err != nil {
		return nil, err
	}

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, rpcError(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("mcp: %s timed out after %v", method, timeout)
	case <-t.stop:
		return nil, ErrNotConnected
	}
}

func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeLine(data)
}

func (t *stdioTransport) Events() <-chan *JSONRPCNotification { return t.events }

func (t *stdioTransport) Connected() bool { return t.connected.Load() }

func (t *stdioTransport) writeLine(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// readLoop demultiplexes stdout lines into pending calls and the event
// channel. A response carries an id, a notification does not.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer func() {
		t.connected.Store(false)
		t.pending.failAll("mcp server process exited")
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, stdioMaxLine), stdioMaxLine)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("stdout read failed", "error", err)
	}
}

func (t *stdioTransport) dispatch(line []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		t.pending.resolve(&resp)
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
		return
	}
	t.logger.Warn("unparseable frame from server", "bytes", len(line))
}

// drainStderr surfaces the child's stderr as warnings.
func (t *stdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stop:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Warn("server stderr", "message", line)
		}
	}
}
