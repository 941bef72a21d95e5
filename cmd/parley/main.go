// Package main is an interactive chat CLI for exercising the exchange
// engine against a real OpenAI-compatible backend, with streaming output and
// a couple of demo tools.
//
// Usage:
//
//	OPENAI_API_KEY=... go run ./cmd/parley [-model gpt-4o-mini] [-reflect]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chzyer/readline"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/tavenner/parley"
	"github.com/tavenner/parley/backend"
	"github.com/tavenner/parley/engine"
	"github.com/tavenner/parley/schema"
)

const (
	colorReset = "\033[0m"
	colorCyan  = "\033[36m"
	colorDim   = "\033[2m"
	colorRed   = "\033[31m"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%sError: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
}

func demoTools() []parley.ToolDeclaration {
	return []parley.ToolDeclaration{
		{
			Name:        "add",
			Description: "Add two numbers",
			Parameters: schema.Object(map[string]*schema.Property{
				"a": schema.Number("First operand"),
				"b": schema.Number("Second operand"),
			}, "a", "b"),
		},
		{
			Name:        "now",
			Description: "Current date and time",
		},
	}
}

func demoExecutor() parley.ToolExecutor {
	return parley.ToolExecutorFunc(func(_ context.Context, name string, args map[string]any) (any, error) {
		switch name {
		case "add":
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return a + b, nil
		case "now":
			return time.Now().Format(time.RFC1123), nil
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
	})
}

func run() error {
	model := flag.String("model", "gpt-4o-mini", "model name")
	reflect := flag.Bool("reflect", false, "enable self-reflection")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}

	llm, err := openai.New(openai.WithModel(*model))
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}

	logger := log.New(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.WarnLevel)
	}

	eng := engine.New(backend.NewLangChain(llm, "openai")).
		WithLogger(logger).
		WithEventSink(parley.EventSinkFunc(func(ev parley.StreamEvent) {
			if ev.Type == parley.EventDeltaText {
				fmt.Print(ev.Content)
			}
		}))

	rl, err := readline.New(colorCyan + "you> " + colorReset)
	if err != nil {
		return fmt.Errorf("create readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("%sChatting with %s. Tools: add, now. Ctrl-D to exit.%s\n",
		colorDim, *model, colorReset)

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or interrupt
			return nil
		}
		prompt := strings.TrimSpace(line)
		if prompt == "" {
			continue
		}

		req := engine.NewRequest(prompt).
			WithTools(demoTools()).
			WithExecutor(demoExecutor())
		if *reflect {
			req = req.WithSelfReflection(1, 3)
		}

		answer, err := eng.Respond(ctx, req)
		if err != nil {
			fmt.Printf("\n%sexchange failed: %v%s\n", colorRed, err, colorReset)
			continue
		}
		// Streamed deltas were already printed; make sure buffered answers
		// show up too, then terminate the line.
		fmt.Printf("\n%s%s%s\n", colorDim, answer, colorReset)
	}
}
