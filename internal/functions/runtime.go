package functions

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
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/value"
)

// maxLine bounds one line of runtime output.
const maxLine = 64 << 20

const stderrTail = 20

// SubprocessRuntime executes functions by spawning one process per
// invocation. It communicates via JSON on stdin and line-delimited JSON on
// stdout.
type SubprocessRuntime struct {
	runtime Runtime
	config  RuntimeConfig
}

// NewSubprocessRuntime creates a runtime for cfg. It validates that the
// runtime binary exists on the system.
func NewSubprocessRuntime(runtime Runtime, cfg RuntimeConfig) (*SubprocessRuntime, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("unsupported runtime: %s", runtime)
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("runtime binary not found: %s (install %s to use this runtime)", cfg.Command, runtime)
	}
	return &SubprocessRuntime{runtime: runtime, config: cfg}, nil
}

// Runtime returns the runtime type.
func (r *SubprocessRuntime) Runtime() Runtime {
	return r.runtime
}

// Handler returns the handler running def in this runtime. env is added to
// the process environment.
func (r *SubprocessRuntime) Handler(def *definition.Definition, env map[string]string) invocation.Handler {
	return invocation.HandlerFunc(func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return r.Call(ctx, def, env, ec)
	})
}

// Call runs one invocation. Stream messages are forwarded to ec, other
// stdout lines become @stdout and stderr lines become @stderr.
func (r *SubprocessRuntime) Call(ctx context.Context, def *definition.Definition, env map[string]string, ec *invocation.Context) (value.Value, error) {
	input, err := json.Marshal(newRequest(def, ec))
	if err != nil {
		return value.Value{}, fmt.Errorf("marshaling function request: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.config.Command, r.config.Args...)
	cmd.Dir = filepath.Dir(def.SourcePath)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return value.Value{}, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return value.Value{}, fmt.Errorf("opening stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return value.Value{}, fmt.Errorf("starting function %s: %w", def.Name, err)
	}
	// Children of the runtime may keep the pipes open after it is killed.
	stop := context.AfterFunc(ctx, func() {
		_ = stdout.Close()
		_ = stderr.Close()
	})
	defer stop()

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tail = forwardStderr(stderr, ec)
	}()

	var result *Message
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg Message
		if len(line) == 0 || line[0] != '{' || json.Unmarshal(line, &msg) != nil || !msg.known() {
			ec.Stdout(string(line))
			continue
		}
		switch msg.Type {
		case MessageStream:
			if err := ec.Emit(msg.Channel, msg.Data); err != nil {
				log.Debug().Err(err).Str("function", def.Name).Str("channel", msg.Channel).Msg("Rejected stream message")
			}
		default:
			m := msg
			result = &m
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	wg.Wait()
	waitErr := cmd.Wait()

	if result != nil {
		if result.Type == MessageError {
			return value.Value{}, &invocation.ThrownError{
				Name:     result.Name,
				Message:  result.Message,
				Stack:    result.Stack,
				NonError: result.Thrown,
			}
		}
		return result.Value, nil
	}

	if ctx.Err() != nil {
		return value.Value{}, fmt.Errorf("function %s: %w", def.Name, ctx.Err())
	}
	if scanErr != nil {
		return value.Value{}, apierror.Wrap(apierror.KindFatal, fmt.Errorf("reading output of %s: %w", def.Name, scanErr))
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return value.Value{}, apierror.Newf(apierror.KindFatal, "function %s exited with code %d: %s",
			def.Name, exitErr.ExitCode(), strings.Join(tail, "\n"))
	}
	if waitErr != nil {
		return value.Value{}, apierror.Wrap(apierror.KindFatal, fmt.Errorf("executing function %s: %w", def.Name, waitErr))
	}
	return value.Value{}, apierror.Newf(apierror.KindFatal, "function %s exited without a result", def.Name)
}

func newRequest(def *definition.Definition, ec *invocation.Context) *Request {
	meta := ec.Metadata()
	keys := make(map[string]string, len(def.Keys))
	for _, name := range def.Keys {
		if v, ok := ec.Key(name); ok {
			keys[name] = v
		}
	}
	meta["keys"] = keys

	params := value.FromObject(ec.Params)
	if ec.Params == nil {
		params = value.FromObject(value.NewObject())
	}
	req := &Request{
		ExecutionID: ec.ExecutionID,
		Function:    def.Name,
		Export:      def.Export,
		Path:        def.SourcePath,
		Params:      params,
		Args:        ec.Args,
		Context:     meta,
	}
	if req.Args == nil {
		req.Args = []value.Value{}
	}
	if def.ContextParam != nil {
		pos := def.ContextParam.Position
		req.ContextPosition = &pos
	}
	return req
}

// forwardStderr sends each stderr line to the debug sink and returns the
// last few lines for error reports.
func forwardStderr(r io.Reader, ec *invocation.Context) []string {
	var tail []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Text()
		ec.Stderr(line)
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	_, _ = io.Copy(io.Discard, r)
	return tail
}
