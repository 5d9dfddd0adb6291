package bridge

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
)

// rpcRequest is a JSON-RPC 2.0 request written to the bridge's stdin.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("bridge rpc error %d: %s", e.Code, e.Message)
}

// rpcResponse pairs a raw JSON result with an optional error for
// delivery through the pending channel.
type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

// rpcRaw is used to inspect incoming JSON lines from the bridge to
// determine whether they are responses (have an id) or notifications
// (have a method).
type rpcRaw struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"` // nil for notifications
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// proc owns one bridge subprocess: the pipes, the request-response
// correlation map, and the reader goroutine. Incoming notifications are
// pushed to the notifs channel; outbound requests correlate responses
// via the pending map.
type proc struct {
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	nextID  atomic.Int64
	mu      sync.Mutex                 // protects pending + stdin writes
	pending map[int64]chan rpcResponse // request ID → response channel

	notifs  chan rpcRaw   // inbound notifications, drained by the dispatch loop
	done    chan struct{} // closed when the reader goroutine exits
	waitErr chan error    // receives cmd.Wait result (exactly once)
}

func newProc(logger *slog.Logger) *proc {
	if logger == nil {
		logger = slog.Default()
	}
	return &proc{
		logger:  logger,
		pending: make(map[int64]chan rpcResponse),
		notifs:  make(chan rpcRaw, 64),
		done:    make(chan struct{}),
		waitErr: make(chan error, 1),
	}
}

// start launches the bridge subprocess and begins reading its stdout.
// Must be called exactly once.
func (p *proc) start(ctx context.Context, command string, args []string) error {
	p.logger.Info("starting bridge subprocess", "command", command, "args", args)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB

	go p.drainStderr(stderrPipe)
	go p.readLoop()
	go func() {
		err := cmd.Wait()
		if err != nil {
			p.logger.Error("bridge subprocess exited with error", "error", err)
		} else {
			p.logger.Info("bridge subprocess exited")
		}
		p.waitErr <- err
	}()

	p.logger.Info("bridge subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// call sends a JSON-RPC request and waits for the response.
func (p *proc) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	// Bail early if context is already cancelled to avoid blocking on
	// a pipe write that has no reader.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	p.mu.Lock()
	p.pending[id] = ch

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("write to bridge stdin: %w", err)
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-p.done:
		return nil, fmt.Errorf("bridge subprocess exited")
	}
}

// stop shuts the subprocess down gracefully. It closes stdin to signal
// exit, waits briefly, then force-kills. The waiter goroutine started
// by start() owns cmd.Wait(); stop reads its result via waitErr.
func (p *proc) stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	p.logger.Info("stopping bridge subprocess", "pid", p.cmd.Process.Pid)

	if p.stdin != nil {
		p.stdin.Close()
	}

	select {
	case err := <-p.waitErr:
		return err
	case <-time.After(5 * time.Second):
		p.logger.Warn("bridge did not exit gracefully, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-p.waitErr
		return nil
	}
}

// readLoop reads newline-delimited JSON from the subprocess stdout,
// routing responses to their pending channels and notifications to the
// notifs channel.
func (p *proc) readLoop() {
	defer close(p.done)
	defer close(p.notifs)

	for {
		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				p.logger.Error("bridge read error", "error", err)
			}
			// Drain any pending requests.
			p.mu.Lock()
			for id, ch := range p.pending {
				ch <- rpcResponse{Error: &rpcError{
					Code:    -1,
					Message: "subprocess exited",
				}}
				delete(p.pending, id)
			}
			p.mu.Unlock()
			return
		}

		var raw rpcRaw
		if err := json.Unmarshal(line, &raw); err != nil {
			p.logger.Debug("bridge non-JSON line", "line", string(line))
			continue
		}

		// Response (has ID) — route to pending channel.
		if raw.ID != nil {
			p.mu.Lock()
			ch, ok := p.pending[*raw.ID]
			if ok {
				delete(p.pending, *raw.ID)
			}
			p.mu.Unlock()

			if ok {
				ch <- rpcResponse{Result: raw.Result, Error: raw.Error}
			} else {
				p.logger.Debug("bridge response for unknown ID", "id", *raw.ID)
			}
			continue
		}

		// Notification — hand off to the dispatch loop. Dropping under
		// backpressure keeps readLoop free to deliver RPC responses, so
		// a handler that calls back into the bridge cannot deadlock.
		select {
		case p.notifs <- raw:
		default:
			p.logger.Warn("bridge notification queue full, dropping", "method", raw.Method)
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (p *proc) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("bridge stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("bridge stderr scan error", "error", err)
	}
}
