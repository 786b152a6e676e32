// ABOUTME: CLI entrypoint for the attractor pipeline runner: run, validate, info, and serve commands.
// ABOUTME: Wires the engine, backends, event sinks, and signal handling; exits 0 on success, 1 on abort.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/2389-research/attractor/attractor"
	"github.com/rs/zerolog"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "validate":
		return cmdValidate(args[1:])
	case "info":
		return cmdInfo(args[1:])
	case "serve":
		return cmdServe(args[1:])
	case "version", "--version":
		fmt.Printf("attractor %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `attractor — graph-driven AI pipeline runner

Usage:
  attractor run <pipeline.dot> [flags]     execute a pipeline
  attractor validate <pipeline.dot>        check a pipeline without running it
  attractor info <pipeline.dot>            print pipeline structure
  attractor serve [flags]                  start the HTTP monitoring server
  attractor version                        print version

Run flags:
  --workdir DIR           working directory handlers operate in
  --logs DIR              directory for checkpoints, artifacts, and events
  --dry-run               use the stub backend; no agent sessions are spawned
  --max-budget-usd AMOUNT abort once total cost reaches AMOUNT
  --max-steps N           abort once N nodes have executed
  --backend KIND          stub | cli | openai (default cli)
  --model NAME            default model when nodes pin none
  --base-url URL          API base URL for the openai backend
  --resume CKPT           resume from a checkpoint file
  --answer TEXT           response for a suspended human gate (with --resume)
  -v                      verbose logging
`)
}

// newLogger builds the CLI logger. Level comes from ATTRACTOR_LOG, which
// -v overrides down to debug.
func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if s := os.Getenv("ATTRACTOR_LOG"); s != "" {
		if parsed, err := zerolog.ParseLevel(s); err == nil {
			level = parsed
		}
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	workdir := fs.String("workdir", "", "working directory for handlers")
	logsDir := fs.String("logs", "", "directory for checkpoints and logs")
	dryRun := fs.Bool("dry-run", false, "use the stub backend")
	maxBudget := fs.Float64("max-budget-usd", -1, "total budget cap in USD")
	maxSteps := fs.Int("max-steps", -1, "step cap")
	backendKind := fs.String("backend", "cli", "backend: stub, cli, or openai")
	model := fs.String("model", "", "default LLM model")
	baseURL := fs.String("base-url", "", "API base URL for the openai backend")
	resumePath := fs.String("resume", "", "checkpoint file to resume from")
	answer := fs.String("answer", "", "human gate response when resuming")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	// Flags may come before or after the pipeline path.
	var positional []string
	for fs.NArg() > 0 {
		positional = append(positional, fs.Arg(0))
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return 2
		}
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "run requires exactly one pipeline file")
		return 2
	}

	logger := newLogger(*verbose)
	fileCfg, err := loadFileConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	source, err := os.ReadFile(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read pipeline: %v\n", err)
		return 1
	}

	graph, err := attractor.Parse(string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return 1
	}

	// Flags win over the config file; the config file wins over defaults.
	logs := *logsDir
	if logs == "" {
		logs = fileCfg.LogsDir
	}
	if logs == "" {
		if dataDir, err := defaultDataDir(); err == nil {
			logs = filepath.Join(dataDir, "runs")
		}
	}
	wd := *workdir
	if wd == "" {
		wd = fileCfg.WorkDir
	}
	if wd == "" {
		wd, _ = os.Getwd()
	}
	steps := *maxSteps
	if steps < 0 && fileCfg.MaxSteps != nil {
		steps = *fileCfg.MaxSteps
	}
	budget := *maxBudget
	if budget < 0 && fileCfg.MaxBudgetUSD != nil {
		if parsed, err := strconv.ParseFloat(*fileCfg.MaxBudgetUSD, 64); err == nil {
			budget = parsed
		}
	}
	kind := *backendKind
	if *dryRun {
		kind = "stub"
	} else if kind == "cli" && fileCfg.Backend != "" {
		kind = fileCfg.Backend
	}
	modelName := *model
	if modelName == "" {
		modelName = fileCfg.Model
	}
	base := *baseURL
	if base == "" {
		base = fileCfg.BaseURL
	}

	backend, err := buildBackend(kind, modelName, base)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var sink attractor.LogSink
	if logs != "" {
		if s, err := attractor.NewSQLiteLogSink(filepath.Join(logs, "events.db")); err == nil {
			sink = s
			defer s.Close()
		} else if s, err := attractor.NewFSLogSink(logs); err == nil {
			logger.Warn().Err(err).Msg("sqlite sink unavailable, using filesystem event log")
			sink = s
		}
	}

	engine := attractor.NewEngine(attractor.EngineConfig{
		WorkDir:      wd,
		LogsDir:      logs,
		MaxSteps:     steps,
		MaxBudgetUSD: budget,
		Backend:      backend,
		Sink:         sink,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var result *attractor.RunResult
	if *resumePath != "" {
		result, err = engine.Resume(ctx, graph, *resumePath, *answer)
	} else {
		result, err = engine.RunGraph(ctx, graph)
	}

	if err != nil {
		reportRunError(err, result)
		return 1
	}

	fmt.Printf("pipeline completed: %d node(s), $%.4f total cost\n", len(result.CompletedNodes), result.TotalCost)
	if result.CheckpointPath != "" {
		fmt.Printf("checkpoint: %s\n", result.CheckpointPath)
	}
	return 0
}

// reportRunError prints the error kind, the node involved when known, a
// one-line summary, and the last checkpoint path.
func reportRunError(err error, result *attractor.RunResult) {
	kind := "Error"
	nodeID := ""

	var (
		validation *attractor.ValidationError
		missing    *attractor.HandlerMissingError
		handler    *attractor.HandlerError
		stepLimit  *attractor.StepLimitError
		budget     *attractor.BudgetExceededError
		maxRetries *attractor.MaxRetriesError
		goalGate   *attractor.GoalGateError
		checkpoint *attractor.CheckpointError
		resume     *attractor.ResumeError
		awaiting   *attractor.AwaitingHumanError
	)

	switch {
	case errors.As(err, &awaiting):
		fmt.Printf("pipeline suspended at human gate %q\n", awaiting.NodeID)
		fmt.Printf("  question: %s\n", awaiting.Question)
		for _, opt := range awaiting.Options {
			fmt.Printf("  option: %s\n", opt)
		}
		if awaiting.CheckpointPath != "" {
			fmt.Printf("resume with: attractor run --resume %s --answer <choice> <pipeline>\n", awaiting.CheckpointPath)
		}
		return
	case errors.As(err, &validation):
		kind = "ValidationError"
		for _, d := range validation.Diagnostics {
			fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", d.Severity, d.Rule, d.Message)
		}
	case errors.As(err, &missing):
		kind, nodeID = "HandlerMissing", missing.NodeID
	case errors.As(err, &handler):
		kind, nodeID = "HandlerError", handler.NodeID
	case errors.As(err, &stepLimit):
		kind = "StepLimitExceeded"
	case errors.As(err, &budget):
		kind = "BudgetExceeded"
	case errors.As(err, &maxRetries):
		kind, nodeID = "MaxRetriesExceeded", maxRetries.GateID
	case errors.As(err, &goalGate):
		kind, nodeID = "GoalGateUnsatisfied", goalGate.GateID
	case errors.As(err, &checkpoint):
		kind = "CheckpointError"
	case errors.As(err, &resume):
		kind = "ResumeError"
	}

	if nodeID != "" {
		fmt.Fprintf(os.Stderr, "%s at node %q: %v\n", kind, nodeID, err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", kind, err)
	}
	if result != nil && result.CheckpointPath != "" {
		fmt.Fprintf(os.Stderr, "last checkpoint: %s\n", result.CheckpointPath)
	}
}

// buildBackend constructs the requested codergen backend.
func buildBackend(kind, model, baseURL string) (attractor.CodergenBackend, error) {
	switch kind {
	case "stub":
		return &attractor.StubBackend{}, nil
	case "cli":
		var opts []attractor.AgentCLIOption
		if model != "" {
			opts = append(opts, attractor.WithAgentModel(model))
		}
		return attractor.NewAgentCLIBackend(opts...)
	case "openai":
		var opts []attractor.OpenAIOption
		if model != "" {
			opts = append(opts, attractor.WithOpenAIModel(model))
		}
		if baseURL != "" {
			opts = append(opts, attractor.WithOpenAIBaseURL(baseURL))
		}
		return attractor.NewOpenAIBackend(opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q: want stub, cli, or openai", kind)
	}
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "validate requires exactly one pipeline file")
		return 2
	}

	source, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read pipeline: %v\n", err)
		return 1
	}

	graph, err := attractor.Parse(string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return 1
	}

	diags := attractor.Validate(graph)
	errCount := 0
	for _, d := range diags {
		if d.Severity == attractor.SeverityError {
			errCount++
		}
		location := ""
		if d.NodeID != "" {
			location = " (node " + d.NodeID + ")"
		} else if d.Edge != nil {
			location = " (edge " + d.Edge[0] + "->" + d.Edge[1] + ")"
		}
		fmt.Printf("[%s] %s: %s%s\n", d.Severity, d.Rule, d.Message, location)
	}

	if errCount > 0 {
		fmt.Printf("validation failed: %d error(s), %d diagnostic(s) total\n", errCount, len(diags))
		return 1
	}
	fmt.Printf("validation passed: %d warning(s)\n", len(diags))
	return 0
}

func cmdInfo(args []string) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "info requires exactly one pipeline file")
		return 2
	}

	source, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read pipeline: %v\n", err)
		return 1
	}

	graph, err := attractor.Parse(string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return 1
	}

	fmt.Printf("name:  %s\n", graph.Name)
	if goal := graph.Attrs["goal"]; goal != "" {
		fmt.Printf("goal:  %s\n", goal)
	}
	fmt.Printf("nodes: %d\n", len(graph.Nodes))
	fmt.Printf("edges: %d\n", len(graph.Edges))
	if start := graph.FindStartNode(); start != nil {
		fmt.Printf("start: %s\n", start.ID)
	}
	for _, exit := range graph.ExitNodes() {
		fmt.Printf("exit:  %s\n", exit.ID)
	}
	fmt.Println()
	for _, id := range graph.NodeIDs() {
		node := graph.Nodes[id]
		kind := attractor.ResolveHandlerKind(node)
		line := fmt.Sprintf("  %-20s %s", id, kind)
		if label := node.Label(); label != "" {
			line += "  " + label
		}
		if node.GoalGate() {
			line += "  [goal gate]"
		}
		fmt.Println(line)
	}
	return 0
}

func cmdServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:2389", "listen address")
	logsDir := fs.String("logs", "", "directory for checkpoints and logs")
	backendKind := fs.String("backend", "stub", "backend: stub, cli, or openai")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(*verbose)

	logs := *logsDir
	if logs == "" {
		if dataDir, err := defaultDataDir(); err == nil {
			logs = filepath.Join(dataDir, "runs")
		}
	}

	backend, err := buildBackend(*backendKind, "", "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var sink attractor.LogSink
	if logs != "" {
		if s, err := attractor.NewSQLiteLogSink(filepath.Join(logs, "events.db")); err == nil {
			sink = s
			defer s.Close()
		}
	}

	server := attractor.NewPipelineServer(func() *attractor.Engine {
		return attractor.NewEngine(attractor.EngineConfig{
			LogsDir:      logs,
			MaxSteps:     -1,
			MaxBudgetUSD: -1,
			Backend:      backend,
			Sink:         sink,
			Logger:       logger,
		})
	}, sink)

	logger.Info().Str("addr", *addr).Msg("attractor server listening")
	if err := http.ListenAndServe(*addr, server); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
