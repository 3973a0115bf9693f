package cli

import (
	"errors"
	"io"
	"strings"

	"github.com/ergochat/readline"
)

// errAborted is returned when the user declines a confirmation prompt.
var errAborted = errors.New("aborted by user")

// readlineConfirm prompts on the terminal and accepts y/yes.
func readlineConfirm(prompt string) (bool, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt + " [y/N] ",
		InterruptPrompt: "^C",
		EOFPrompt:       "n",
	})
	if err != nil {
		return false, err
	}
	defer rl.Close()

	line, err := rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// confirm asks unless yes is set, and turns a refusal into an exit error.
func confirm(opts *RootOptions, yes bool, prompt string) error {
	if yes {
		return nil
	}
	ok, err := opts.Confirm(prompt)
	if err != nil {
		return WrapExitError(ExitCommandError, "confirmation failed", err)
	}
	if !ok {
		return WrapExitError(ExitCommandError, "nothing deleted", errAborted)
	}
	return nil
}
