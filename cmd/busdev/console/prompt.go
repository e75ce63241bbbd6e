package console

import (
	"strings"

	"github.com/chzyer/readline"
)

// Confirm asks a yes or no question. No input counts as no.
func Confirm(question string) (bool, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt: question + " [y/N]: ",
		Stdout: writer,
		Stderr: errWriter,
	})
	if err != nil {
		return false, err
	}
	defer rl.Close()
	response, err := rl.Readline()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
