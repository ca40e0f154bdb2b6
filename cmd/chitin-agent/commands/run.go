package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chitin-dev/chitin-agent/cmd/chitin-agent/tools"
	"github.com/chitin-dev/chitin-agent/pkg/agent"
	"github.com/chitin-dev/chitin-agent/pkg/config"
	"github.com/chitin-dev/chitin-agent/pkg/escalation"
	"github.com/chitin-dev/chitin-agent/pkg/executor"
	"github.com/chitin-dev/chitin-agent/pkg/llm"
	"github.com/chitin-dev/chitin-agent/pkg/log"
)

const maxTurnSize = 16 * 1024 * 1024

type runOptions struct {
	Input          string
	Watch          bool
	MaxConcurrency int
}

// turnOutput is written for every model turn read from the input.
type turnOutput struct {
	Text    string            `json:"text,omitempty"`
	Results []executor.Result `json:"results"`
	Error   string            `json:"error,omitempty"`
}

func runCommand(opts *globalOptions) *cobra.Command {
	var runOpts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute model turns read as JSON lines",
		Long: `Read model turns, one JSON object per line, run their tool calls through
the policy pipeline and write one JSON line of results per turn.`,
		Example: `  echo '{"tool_calls":[{"id":"1","name":"read_file","input":{"path":"a.txt"}}]}' | chitin-agent run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, runOpts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&runOpts.Input, "input", "i", "", "Read model turns from this file instead of stdin")
	flags.BoolVar(&runOpts.Watch, "watch", false, "Reload tool servers when the configuration file changes")
	flags.IntVar(&runOpts.MaxConcurrency, "max-concurrency", 0, "Maximum number of tool calls of one turn run at once (0 means unbounded)")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, runOpts runOptions, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	logger := log.L()

	in := stdin
	if runOpts.Input != "" {
		f, err := os.Open(runOpts.Input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	agentOpts := agent.Options{
		Logger:         logger,
		EscalationOut:  stderr,
		MaxConcurrency: runOpts.MaxConcurrency,
	}
	if cfg.Escalation.Handler == escalation.KindTerminal && runOpts.Input == "" {
		// Turns arrive on stdin, so prompts need the controlling terminal.
		tty, err := os.Open("/dev/tty")
		if err != nil {
			logger.Warn("no terminal available for escalation prompts, escalated calls are denied", zap.Error(err))
			agentOpts.Escalation = escalation.AutoDeny{Logger: logger}
		} else {
			defer tty.Close()
			agentOpts.EscalationIn = tty
		}
	}

	if cfg.Escalation.Handler == escalation.KindQueue {
		logger.Warn("escalation handler queue has no approver in this process, queued calls are denied after the timeout",
			zap.Duration("timeout", cfg.Escalation.Timeout()))
	}

	a, stop, err := startAgent(ctx, cfg, agentOpts)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, stop()) }()

	a.RunBackground(ctx)

	if runOpts.Watch && cfg.Path != "" {
		stopWatch, err := config.Watch(ctx, cfg.Path, func(newCfg *config.Config, err error) {
			if err != nil {
				logger.Warn("ignoring invalid configuration change", zap.Error(err))
				return
			}
			if err := a.Reload(ctx, newCfg); err != nil {
				logger.Warn("failed to apply configuration change", zap.Error(err))
				return
			}
			logger.Info("configuration reloaded", zap.String("path", newCfg.Path))
		})
		if err != nil {
			return fmt.Errorf("watching configuration: %w", err)
		}
		defer func() { _ = stopWatch() }()
	}

	return serve(ctx, a.Pipeline, in, stdout, logger)
}

// serve processes one model turn per input line until the input ends or ctx
// is done. A malformed line produces an error line and does not stop the
// loop.
func serve(ctx context.Context, p tools.Processor, in io.Reader, out io.Writer, logger *zap.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxTurnSize)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		resp, err := llm.ParseResponse(line)
		if err != nil {
			logger.Warn("skipping malformed model turn", zap.Error(err))
			if err := enc.Encode(turnOutput{Results: []executor.Result{}, Error: err.Error()}); err != nil {
				return err
			}
			continue
		}

		text, results := p.Process(ctx, resp)
		if err := enc.Encode(turnOutput{Text: text, Results: results}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading model turns: %w", err)
	}
	return nil
}
