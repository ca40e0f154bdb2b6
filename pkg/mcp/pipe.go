package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PipeTransport talks to a tool server spawned as a child process, one JSON
// envelope per line on stdin/stdout. Requests are strictly sequential.
type PipeTransport struct {
	server  string
	command []string
	env     map[string]string
	dir     string
	logger  *zap.Logger

	nextID atomic.Int64

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func NewPipeTransport(cfg ServerConfig, logger *zap.Logger) *PipeTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipeTransport{
		server:  cfg.Name,
		command: cfg.Command,
		env:     cfg.Env,
		dir:     cfg.Dir,
		logger:  logger.With(zap.String("server", cfg.Name), zap.String("transport", TransportStdio)),
	}
}

// Connect spawns the server process. The process lives until Disconnect, not
// until ctx is done.
func (t *PipeTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil
	}
	if len(t.command) == 0 {
		return connectionError(t.server, "no command configured")
	}

	cmd := exec.Command(t.command[0], t.command[1:]...)
	cmd.Dir = t.dir
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &ConnectionError{Server: t.server, Err: fmt.Errorf("failed to start %s: %w", t.command[0], err)}
	}

	go t.drainStderr(stderr)

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = bufio.NewReader(stdout)
	t.logger.Debug("started tool server", zap.Int("pid", cmd.Process.Pid), zap.Strings("command", t.command))
	return nil
}

func (t *PipeTransport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return nil, connectionError(t.server, "not connected")
	}

	id := t.nextID.Add(1)
	if err := t.write(newRequest(id, method, params)); err != nil {
		return nil, err
	}

	for {
		line, err := t.readLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("waiting for %s response: %w", method, err)
			}
			return nil, err
		}
		if len(line) == 0 {
			continue
		}

		resp, err := decodeResponse(line)
		if err != nil {
			t.logger.Debug("skipping non-protocol output", zap.ByteString("line", line))
			continue
		}
		if resp.Method != "" {
			if !resp.isNotification() {
				t.rejectServerRequest(resp)
			}
			t.logger.Debug("server message ignored", zap.String("method", resp.Method))
			continue
		}
		if !resp.matches(id) {
			t.logger.Warn("discarding response for unexpected id", zap.ByteString("id", resp.ID), zap.Int64("want", id))
			continue
		}
		return resp.unwrap()
	}
}

func (t *PipeTransport) Notify(_ context.Context, method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return connectionError(t.server, "not connected")
	}
	return t.write(newNotification(method, params))
}

// Disconnect closes stdin, asks the process to stop and kills it if it is
// still running after five seconds.
func (t *PipeTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.teardown()
	return nil
}

func (t *PipeTransport) write(msg request) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", msg.Method, err)
	}
	data = append(data, '\n')
	if _, err := t.stdin.Write(data); err != nil {
		return &ConnectionError{Server: t.server, Err: fmt.Errorf("write: %w", err)}
	}
	return nil
}

type lineResult struct {
	line []byte
	err  error
}

// readLine returns the next line with surrounding whitespace trimmed. An end
// of stream with nothing read is reported as a closed server.
func (t *PipeTransport) readLine(ctx context.Context) ([]byte, error) {
	reader := t.stdout
	ch := make(chan lineResult, 1)
	go func() {
		line, err := reader.ReadBytes('\n')
		ch <- lineResult{line: line, err: err}
	}()

	select {
	case r := <-ch:
		line := bytes.TrimSpace(r.line)
		if r.err != nil && len(line) == 0 {
			if errors.Is(r.err, io.EOF) {
				return nil, connectionError(t.server, "server closed")
			}
			return nil, &ConnectionError{Server: t.server, Err: fmt.Errorf("read: %w", r.err)}
		}
		return line, nil
	case <-ctx.Done():
		// The stream position is unknown now; drop the process so the next
		// call starts from a clean connection.
		t.teardown()
		return nil, ctx.Err()
	}
}

func (t *PipeTransport) rejectServerRequest(msg *response) {
	reply := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *ProtocolError  `json:"error"`
	}{
		JSONRPC: jsonrpcVersion,
		ID:      msg.ID,
		Error:   &ProtocolError{Code: CodeMethodNotFound, Message: "method not supported by client: " + msg.Method},
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_, _ = t.stdin.Write(append(data, '\n'))
}

func (t *PipeTransport) teardown() {
	if t.cmd == nil {
		return
	}
	cmd := t.cmd
	t.cmd = nil
	_ = t.stdin.Close()

	if cmd.Process != nil {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			_ = cmd.Process.Kill()
		}

		done := make(chan error, 1)
		go func() {
			done <- cmd.Wait()
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
	}
	t.logger.Debug("stopped tool server")
}

func (t *PipeTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}

var _ Transport = (*PipeTransport)(nil)
