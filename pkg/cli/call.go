// Copyright 2025 The Ensemble Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"golang.org/x/term"

	"github.com/ensembleworks/ensemble/pkg/pool"
)

// CallCmd sends a message to an A2A agent endpoint and streams the
// reply. When the agent pauses for input and stdin is a terminal, the
// conversation continues interactively on the same task.
type CallCmd struct {
	URL     string        `arg:"" help:"Agent endpoint URL (e.g. http://localhost:8080/agents/assistant)."`
	Message []string      `arg:"" help:"Message text."`
	Timeout time.Duration `help:"Per-turn timeout." default:"5m"`
}

func (c *CallCmd) Run(cli *CLI) error {
	p, err := pool.New(pool.Config{})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	}()

	text := strings.Join(c.Message, " ")
	reader := bufio.NewReader(os.Stdin)
	var prev turnResult
	for {
		result, err := c.turn(p, text, prev)
		if err != nil {
			return err
		}
		if result.state != a2a.TaskStateInputRequired {
			return nil
		}
		if result.prompt != "" {
			fmt.Println(result.prompt)
		}
		if !interactive() {
			return nil
		}

		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		text = strings.TrimSpace(line)
		if text == "" || text == "/quit" || text == "/exit" {
			return nil
		}
		prev = result
	}
}

// turn sends one message and streams the reply to stdout. The previous
// result's task and context IDs resume a paused task.
func (c *CallCmd) turn(p *pool.Pool, text string, prev turnResult) (turnResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	lease, err := p.Acquire(ctx, c.URL)
	if err != nil {
		return turnResult{}, err
	}
	defer lease.Release()

	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})
	msg.TaskID = prev.taskID
	msg.ContextID = prev.contextID

	params := &a2a.MessageSendParams{Message: msg}
	return renderStream(lease.Client().SendStreamingMessage(ctx, params), os.Stdout)
}

// turnResult is how one send ended: the final task state, the IDs a
// follow-up needs, and the input prompt when the task paused.
type turnResult struct {
	state     a2a.TaskState
	taskID    a2a.TaskID
	contextID string
	prompt    string
}

// renderStream prints streamed reply text to w and reports how the turn
// ended. A failed or canceled remote task becomes an error.
func renderStream(events iter.Seq2[a2a.Event, error], w io.Writer) (turnResult, error) {
	var res turnResult
	printed := false
	for event, err := range events {
		if err != nil {
			return res, fmt.Errorf("message stream: %w", err)
		}
		switch v := event.(type) {
		case *a2a.Message:
			res.taskID, res.contextID = v.TaskID, v.ContextID
			res.state = a2a.TaskStateCompleted
			printed = printParts(w, v.Parts) || printed

		case *a2a.Task:
			res.taskID, res.contextID = v.ID, v.ContextID
			res.state = v.Status.State
			for _, artifact := range v.Artifacts {
				printed = printParts(w, artifact.Parts) || printed
			}
			if v.Status.Message != nil {
				if res.state == a2a.TaskStateInputRequired {
					res.prompt = messageText(v.Status.Message)
				} else {
					printed = printParts(w, v.Status.Message.Parts) || printed
				}
			}

		case *a2a.TaskArtifactUpdateEvent:
			res.taskID, res.contextID = v.TaskID, v.ContextID
			printed = printParts(w, v.Artifact.Parts) || printed

		case *a2a.TaskStatusUpdateEvent:
			res.taskID, res.contextID = v.TaskID, v.ContextID
			if !v.Final {
				continue
			}
			res.state = v.Status.State
			switch v.Status.State {
			case a2a.TaskStateFailed:
				if printed {
					fmt.Fprintln(w)
				}
				detail := "no detail"
				if v.Status.Message != nil {
					detail = messageText(v.Status.Message)
				}
				return res, fmt.Errorf("task failed: %s", detail)
			case a2a.TaskStateCanceled:
				if printed {
					fmt.Fprintln(w)
				}
				return res, fmt.Errorf("task canceled")
			case a2a.TaskStateInputRequired:
				if v.Status.Message != nil {
					res.prompt = messageText(v.Status.Message)
				}
			default:
				// A terminal update can carry the whole answer when
				// nothing streamed before it.
				if !printed && v.Status.Message != nil {
					printed = printParts(w, v.Status.Message.Parts)
				}
			}
		}
	}
	if printed {
		fmt.Fprintln(w)
	}
	return res, nil
}

// printParts writes the text parts to w and reports whether anything
// was written.
func printParts(w io.Writer, parts []a2a.Part) bool {
	printed := false
	for _, part := range parts {
		if tp, ok := part.(a2a.TextPart); ok && tp.Text != "" {
			fmt.Fprint(w, tp.Text)
			printed = true
		}
	}
	return printed
}

func messageText(msg *a2a.Message) string {
	var sb strings.Builder
	for _, part := range msg.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
