package adapter

import (
	"context"
	"strings"
)

const userLinePrefix = "User: "

func init() {
	Register("echo", func() Adapter { return &Echo{} })
}

// Echo is the built-in adapter for local development and tests. It
// replies "assistant:<content>" for the newest user line and can
// deliver the reply word by word in streaming mode.
type Echo struct{}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Capabilities() Capabilities {
	return Capabilities{Streaming: true}
}

func (e *Echo) Execute(ctx context.Context, prompt string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{ExitCode: 0, Output: "assistant:" + lastUserLine(prompt)}, nil
}

func (e *Echo) ExecuteStreaming(ctx context.Context, prompt string, w StreamWriter) (Result, error) {
	reply := "assistant:" + lastUserLine(prompt)
	for i, word := range strings.Split(reply, " ") {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if i > 0 {
			word = " " + word
		}
		w.WriteOutput(word)
	}
	return Result{ExitCode: 0, Output: reply}, nil
}

// lastUserLine the prompt builder appends the new message as the final
// "User: " line, so in practice this returns the message being answered.
func lastUserLine(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], userLinePrefix) {
			return strings.TrimPrefix(lines[i], userLinePrefix)
		}
	}
	return strings.TrimSpace(prompt)
}
