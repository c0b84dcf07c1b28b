// ABOUTME: Scripted stand-in for the agent CLI speaking the stream-json protocol
// ABOUTME: Used by cmd/fake-runtime and by tests that need a real child process

package fakecli

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/runtime/cli"
)

// AskToolName is the tool the fake uses to request structured input
const AskToolName = "AskUserQuestion"

// Options controls the fake's behavior
type Options struct {
	Resume string
	Model  string
	Delay  time.Duration // pause between streamed chunks
}

// Run speaks the protocol on stdin/stdout until stdin closes and returns the
// process exit code. Prompt keywords select scripted behavior:
//
//	ask   request an AskUserQuestion answer through can_use_tool
//	tool  run a Bash tool and report its result
//	slow  stream many chunks so the turn can be interrupted
//	crash exit mid-turn with status 2
//
// Anything else gets an echo reply.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fake-runtime", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := Options{}
	fs.StringVar(&opts.Resume, "resume", "", "conversation to resume")
	fs.StringVar(&opts.Model, "model", "fake-model", "model name")
	fs.DurationVar(&opts.Delay, "delay", 10*time.Millisecond, "pause between streamed chunks")
	fs.String("input-format", "stream-json", "")
	fs.String("output-format", "stream-json", "")
	fs.String("permission-prompt-tool", "stdio", "")
	fs.String("permission-mode", "", "")
	fs.String("system-prompt", "", "")
	fs.String("allowedTools", "", "")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if strings.HasPrefix(opts.Resume, "unknown-") {
		fmt.Fprintf(stderr, "No conversation found with session ID: %s\n", opts.Resume)
		return 1
	}

	f := &fake{
		opts:       opts,
		out:        json.NewEncoder(stdout),
		prompts:    make(chan string, 8),
		responses:  make(chan *cli.ControlResponse, 8),
		interrupts: make(chan struct{}, 1),
		stderr:     stderr,
	}
	f.sessionID = opts.Resume
	if f.sessionID == "" {
		f.sessionID = uuid.New().String()
	}

	f.send(cli.Envelope{Type: cli.TypeSystem, Subtype: cli.SubtypeInit, SessionID: f.sessionID})

	go f.readInput(stdin)

	for {
		select {
		case <-ctx.Done():
			return 0
		case prompt, ok := <-f.prompts:
			if !ok {
				return 0
			}
			if code, exit := f.runTurn(ctx, prompt); exit {
				return code
			}
		}
	}
}

type fake struct {
	opts      Options
	sessionID string
	stderr    io.Writer

	outMu sync.Mutex
	out   *json.Encoder

	prompts    chan string
	responses  chan *cli.ControlResponse
	interrupts chan struct{}
}

func (f *fake) send(env cli.Envelope) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	_ = f.out.Encode(env)
}

// readInput demultiplexes stdin lines in arrival order
func (f *fake) readInput(stdin io.Reader) {
	defer close(f.prompts)
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var env cli.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			fmt.Fprintf(f.stderr, "bad input line: %v\n", err)
			continue
		}
		switch env.Type {
		case cli.TypeUser:
			f.prompts <- env.Message.Text()
		case cli.TypeControlResponse:
			if env.Response != nil {
				f.responses <- env.Response
			}
		case cli.TypeControlRequest:
			if env.Request != nil && env.Request.Subtype == cli.SubtypeInterrupt {
				select {
				case f.interrupts <- struct{}{}:
				default:
				}
				f.send(cli.Envelope{Type: cli.TypeControlResponse, Response: &cli.ControlResponse{
					Subtype: cli.SubtypeSuccess, RequestID: env.RequestID,
				}})
			}
		}
	}
}

func (f *fake) interrupted() bool {
	select {
	case <-f.interrupts:
		return true
	default:
		return false
	}
}

func (f *fake) text(s string) {
	f.send(assistant(cli.Block{Type: "text", Text: s}))
}

// runTurn plays one scripted turn. exit reports whether the process should stop.
func (f *fake) runTurn(ctx context.Context, prompt string) (code int, exit bool) {
	start := time.Now()
	f.interrupted() // discard a stale interrupt from the previous turn

	lower := strings.ToLower(prompt)
	var reply strings.Builder
	stopped := false

	switch {
	case strings.Contains(lower, "crash"):
		f.text("Starting work")
		fmt.Fprintln(f.stderr, "fatal: simulated crash")
		return 2, true

	case strings.Contains(lower, "ask"):
		stopped = f.askTurn(ctx, &reply)

	case strings.Contains(lower, "tool"):
		id := "toolu_" + uuid.New().String()[:8]
		f.text("Let me look.")
		f.send(assistant(cli.Block{Type: "tool_use", ID: id, Name: "Bash", Input: map[string]any{"command": "ls"}}))
		f.send(toolResult(id, "README.md\nmain.go", false))
		f.text("Found 2 files.")
		reply.WriteString("Let me look.Found 2 files.")

	case strings.Contains(lower, "slow"):
		for i := range 200 {
			if f.interrupted() {
				stopped = true
				break
			}
			chunk := fmt.Sprintf("chunk %d. ", i)
			f.text(chunk)
			reply.WriteString(chunk)
			time.Sleep(f.opts.Delay)
		}

	default:
		out := echoReply(prompt)
		for _, part := range splitChunks(out, 3) {
			f.text(part)
			time.Sleep(f.opts.Delay)
		}
		reply.WriteString(out)
	}

	result := cli.Envelope{
		Type:         cli.TypeResult,
		Subtype:      cli.SubtypeSuccess,
		SessionID:    f.sessionID,
		Result:       reply.String(),
		TotalCostUSD: 0.0001 * float64(len(prompt)+reply.Len()),
		DurationMS:   time.Since(start).Milliseconds(),
		Usage: &cli.Usage{
			InputTokens:  int64(len(strings.Fields(prompt))),
			OutputTokens: int64(len(strings.Fields(reply.String()))),
		},
	}
	if stopped {
		result.Subtype = "error_during_execution"
		result.IsError = true
	}
	f.send(result)
	return 0, false
}

// askTurn asks a question through can_use_tool and reports the answer
func (f *fake) askTurn(ctx context.Context, reply *strings.Builder) (stopped bool) {
	id := "toolu_" + uuid.New().String()[:8]
	input := map[string]any{
		"questions": []any{map[string]any{
			"question": "Which color should I use?",
			"header":   "Color",
			"options": []any{
				map[string]any{"label": "red"},
				map[string]any{"label": "blue"},
			},
			"multiSelect": false,
		}},
	}

	f.text("I need some input.")
	f.send(assistant(cli.Block{Type: "tool_use", ID: id, Name: AskToolName, Input: input}))

	requestID := uuid.New().String()
	f.send(cli.Envelope{
		Type:      cli.TypeControlRequest,
		RequestID: requestID,
		Request: &cli.ControlRequest{
			Subtype:   cli.SubtypeCanUseTool,
			ToolName:  AskToolName,
			Input:     input,
			ToolUseID: id,
		},
	})

	var resp *cli.ControlResponse
	for resp == nil {
		select {
		case <-ctx.Done():
			return true
		case <-f.interrupts:
			return true
		case r := <-f.responses:
			if r.RequestID == requestID {
				resp = r
			}
		}
	}

	if behavior, _ := resp.Response["behavior"].(string); behavior == "allow" {
		updated, _ := resp.Response["updatedInput"].(map[string]any)
		answers, _ := json.Marshal(updated["answers"])
		f.send(toolResult(id, "User answered: "+string(answers), false))
		msg := "Thanks, using " + string(answers) + "."
		f.text(msg)
		reply.WriteString("I need some input." + msg)
		return false
	}

	reason, _ := resp.Response["message"].(string)
	f.send(toolResult(id, reason, true))
	f.text("Proceeding without an answer.")
	reply.WriteString("I need some input.Proceeding without an answer.")
	return false
}

func assistant(blocks ...cli.Block) cli.Envelope {
	content, _ := json.Marshal(blocks)
	return cli.Envelope{Type: cli.TypeAssistant, Message: &cli.Message{Role: "assistant", Content: content}}
}

func toolResult(toolUseID, content string, isError bool) cli.Envelope {
	raw, _ := json.Marshal(content)
	blocks, _ := json.Marshal([]cli.Block{{Type: "tool_result", ToolUseID: toolUseID, Content: raw, IsError: isError}})
	return cli.Envelope{Type: cli.TypeUser, Message: &cli.Message{Role: "user", Content: blocks}}
}

// echoReply returns a canned markdown-flavored reply for input
func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message.", input)
}

// splitChunks cuts s into at most n roughly equal pieces on rune boundaries
func splitChunks(s string, n int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	size := (len(runes) + n - 1) / n
	var parts []string
	for i := 0; i < len(runes); i += size {
		end := min(i+size, len(runes))
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}
