package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// InputRequestPrefix marks a child output line that asks for input. The
// rest of the line is a JSON object: {"prompt": "...", "timeout": 15}.
const InputRequestPrefix = "[INPUT_REQUEST]"

// KeyPlaceholder is replaced by the task key in every command argument.
const KeyPlaceholder = "{key}"

const maxLineBytes = 1 << 20

// CommandConfig describes the external program a task run executes.
type CommandConfig struct {
	// Command is split on whitespace; there is no shell quoting. Each
	// argument has KeyPlaceholder replaced by the task key.
	Command string
	Dir     string
	Env     []string

	// InputFallback is written to the child's stdin when an input request
	// times out.
	InputFallback string

	// KillDelay bounds how long Wait lingers for output after the child is
	// killed on cancellation.
	KillDelay time.Duration
}

type inputRequestLine struct {
	Prompt  string  `json:"prompt"`
	Timeout float64 `json:"timeout"`
}

// Command returns a Func that runs cfg.Command for the task key. Every output
// line (stdout and stderr, merged) becomes a log event. Input request lines
// are turned into prompts whose answer is written to the child's stdin.
// A non-zero exit fails the task.
func Command(cfg CommandConfig) Func {
	return func(ctx context.Context, s *Session) error {
		args := expandArgs(cfg.Command, s.Key())
		if len(args) == 0 {
			return errors.New("runner: no task command configured")
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command comes from operator config
		cmd.Dir = cfg.Dir
		cmd.Env = append(append(os.Environ(), cfg.Env...), "HIBIKI_TASK_KEY="+s.Key())
		cmd.WaitDelay = cfg.KillDelay
		if cmd.WaitDelay <= 0 {
			cmd.WaitDelay = 5 * time.Second
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("runner: stdin pipe: %w", err)
		}
		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("runner: start %s: %w", args[0], err)
		}
		_ = s.Logf("started %s", args[0])

		waitErr := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			_ = pw.Close()
			waitErr <- err
		}()

		relay(ctx, s, pr, stdin, cfg.InputFallback)
		_ = stdin.Close()

		if err := <-waitErr; err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("cancelled: %w", ctx.Err())
			}
			return err
		}
		return nil
	}
}

// relay copies child output into the task stream until the child closes it.
func relay(ctx context.Context, s *Session, out io.Reader, stdin io.Writer, fallback string) {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		idx := strings.Index(line, InputRequestPrefix)
		if idx < 0 {
			_ = s.Log(line)
			continue
		}
		answer := answerInputRequest(ctx, s, line[idx+len(InputRequestPrefix):], fallback)
		if _, err := io.WriteString(stdin, answer+"\n"); err != nil {
			_ = s.Logf("could not deliver input: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		_ = s.Logf("output relay stopped: %v", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, out)
	}
}

// answerInputRequest prompts the viewers and returns what to write to the
// child: the answer, or fallback when the request times out or fails.
func answerInputRequest(ctx context.Context, s *Session, raw, fallback string) string {
	var req inputRequestLine
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &req); err != nil {
		_ = s.Logf("malformed input request: %v", err)
		return fallback
	}
	if req.Prompt == "" {
		req.Prompt = "Input required:"
	}
	_ = s.Logf("input requested: %s", req.Prompt)

	timeout := time.Duration(req.Timeout * float64(time.Second))
	value, err := s.PromptWithTimeout(ctx, req.Prompt, timeout)
	if err != nil {
		_ = s.Logf("no input received (%v), answering %q", err, fallback)
		return fallback
	}
	return value
}

func expandArgs(command, key string) []string {
	fields := strings.Fields(command)
	for i, f := range fields {
		fields[i] = strings.ReplaceAll(f, KeyPlaceholder, key)
	}
	return fields
}

// RequireAccount wraps next so that runs for keys the exists check rejects
// fail immediately.
func RequireAccount(exists func(ctx context.Context, key string) (bool, error), next Func) Func {
	return func(ctx context.Context, s *Session) error {
		_ = s.Logf("checking account %s", s.Key())
		ok, err := exists(ctx, s.Key())
		if err != nil {
			return fmt.Errorf("account lookup: %w", err)
		}
		if !ok {
			return fmt.Errorf("account %s is not registered", s.Key())
		}
		return next(ctx, s)
	}
}
