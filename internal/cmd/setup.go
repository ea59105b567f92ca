// Package cmd implements the command modes of the bridge binary: interactive
// and non-interactive account setup, entry listing and the long running service.
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/setup"
	"github.com/catflap-labs/onlycat-bridge/internal/tui"
	log "github.com/sirupsen/logrus"
)

// ErrSetupRejected is returned by DoSetup when a non-interactive attempt ends
// on a form with an error.
var ErrSetupRejected = errors.New("setup: access token rejected")

// SetupOptions controls DoSetup.
type SetupOptions struct {
	// Token skips the prompt and runs a single non-interactive attempt.
	Token string
	// NoTUI reads the token from Prompt instead of showing the form.
	NoTUI bool
	// Prompt reads one line of input; defaults to stdin.
	Prompt func(prompt string) (string, error)
	// Output receives the rendered result; defaults to stdout.
	Output io.Writer
}

// DoSetup runs the OnlyCat setup flow and returns its terminal result.
func DoSetup(ctx context.Context, manager *flow.Manager, options *SetupOptions) (*flow.Result, error) {
	if options == nil {
		options = &SetupOptions{}
	}
	out := options.Output
	if out == nil {
		out = os.Stdout
	}

	first, err := manager.Init(ctx, setup.Domain)
	if err != nil {
		return nil, fmt.Errorf("setup: start flow: %w", err)
	}
	if first.Type != flow.ResultTypeForm {
		tui.Print(out, first)
		return first, nil
	}

	var res *flow.Result
	if options.Token != "" || options.NoTUI {
		res, err = runOnce(ctx, manager, first.FlowID, options)
	} else {
		res, err = runForm(ctx, manager, first, out)
	}
	if err != nil {
		if errAbort := manager.Abort(context.WithoutCancel(ctx), first.FlowID); errAbort != nil && !errors.Is(errAbort, flow.ErrUnknownFlow) {
			log.WithError(errAbort).Debug("failed to abort setup flow")
		}
		return nil, err
	}
	tui.Print(out, res)
	return res, nil
}

func runOnce(ctx context.Context, manager *flow.Manager, flowID string, options *SetupOptions) (*flow.Result, error) {
	token := strings.TrimSpace(options.Token)
	if token == "" {
		promptFn := options.Prompt
		if promptFn == nil {
			promptFn = defaultPrompt()
		}
		line, err := promptFn("Enter OnlyCat access token: ")
		if err != nil {
			return nil, fmt.Errorf("setup: read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return nil, fmt.Errorf("setup: access token is empty")
	}

	res, err := manager.Configure(ctx, flowID, map[string]string{setup.FieldAccessToken: token})
	if err != nil {
		return nil, err
	}
	if res.Type == flow.ResultTypeForm {
		return nil, fmt.Errorf("%w: %s", ErrSetupRejected, tui.FormError(res))
	}
	return res, nil
}

func runForm(ctx context.Context, manager *flow.Manager, first *flow.Result, out io.Writer) (*flow.Result, error) {
	hook := tui.NewLogHook(5)
	restore := captureLogs(log.StandardLogger(), hook)
	defer restore()

	submit := func(ctx context.Context, input map[string]string) (*flow.Result, error) {
		return manager.Configure(ctx, first.FlowID, input)
	}
	return tui.Run(ctx, first, submit, hook, out)
}

func defaultPrompt() func(string) (string, error) {
	reader := bufio.NewReader(os.Stdin)
	return func(prompt string) (string, error) {
		fmt.Print(prompt)
		value, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && value != "") {
			return "", err
		}
		return strings.TrimSpace(value), nil
	}
}

// captureLogs routes logger into hook instead of the terminal while the form
// is shown. The returned func restores the previous output and hooks.
func captureLogs(logger *log.Logger, hook log.Hook) func() {
	prevHooks := make(log.LevelHooks, len(logger.Hooks))
	for level, hooks := range logger.Hooks {
		prevHooks[level] = append([]log.Hook(nil), hooks...)
	}
	prevOut := logger.Out
	logger.AddHook(hook)
	logger.SetOutput(io.Discard)
	return func() {
		logger.ReplaceHooks(prevHooks)
		logger.SetOutput(prevOut)
	}
}
