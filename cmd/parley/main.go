// Command parley runs an autonomous conversation between two LLM agents over
// a shared transcript.
//
//	parley --agent1 claude --agent2 chatgpt --topic "the ethics of AI" --turns 20
//	parley view --db data/conversation.db
//
// API keys come from the environment (ANTHROPIC_API_KEY, OPENAI_API_KEY, ...),
// optionally loaded from a .env file in the working directory.
package main

import (
	"errors"
	"fmt"
	"os"
)

// version is injected at build time via ldflags.
var version = "dev"

// Exit codes, stable for scripting. 0 covers any non-fatal termination,
// including an interrupted run.
const (
	exitOK      = 0
	exitFailure = 1 // unexpected fatal
	exitUsage   = 2 // invalid arguments
	exitConfig  = 3 // configuration invalid
	exitAuth    = 4 // credentials missing
	exitStore   = 5 // store unhealthy
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		code := exitFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(code)
	}
}

// exitError carries a process exit code with the failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

