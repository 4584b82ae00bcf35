package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"swarminho/internal/common"
	"swarminho/internal/engine"
	"swarminho/internal/experiments"
	"swarminho/internal/metrics"
	"swarminho/internal/server"
)

const usage = `Usage: swarminho [flags] COMMAND [args]

Commands:
  run NAME --cmd "COMMAND" [--mem N]   create and start a container
  ps                                   list containers
  logs NAME                            show a container's logs
  stop NAME                            terminate a running container
  metrics                              print a metrics snapshot
  serve                                run the HTTP status server
  experiment NAME [flags]              run a scripted experiment
  help                                 show this help

With no command, swarminho enters the interactive shell.

Flags:
  -config PATH   YAML configuration file
  -dev           development mode logging
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("swarminho", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	development := fs.Bool("dev", false, "Enable development mode")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarminho:", err)
		return 1
	}
	if *development {
		cfg.Logging.Development = true
	}

	if err := common.InitLogger(cfg.Logging); err != nil {
		fmt.Fprintln(os.Stderr, "swarminho:", err)
		return 1
	}
	defer common.Sync()

	eng, err := engine.New(cfg)
	if err != nil {
		common.GetLogger().Error("Failed to initialize engine", zap.Error(err))
		fmt.Fprintln(os.Stderr, "swarminho:", err)
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return runShell(eng, os.Stdin, os.Stdout)
	}

	return dispatch(cfg, eng, rest[0], rest[1:], os.Stdout)
}

func dispatch(cfg *common.Config, eng *engine.Engine, command string, args []string, out *os.File) int {
	var err error
	switch command {
	case "run":
		err = cmdRun(eng, args, out)
	case "ps":
		err = cmdPs(eng, out)
	case "logs":
		err = cmdLogs(eng, args, out)
	case "stop":
		err = cmdStop(eng, args, out)
	case "metrics":
		err = cmdMetrics(cfg, eng, out)
	case "serve":
		err = cmdServe(cfg, eng)
	case "experiment":
		err = cmdExperiment(cfg, eng, args, out)
	case "help":
		fmt.Fprint(out, usage)
	default:
		fmt.Fprintf(os.Stderr, "swarminho: unknown command %q\n%s", command, usage)
		return 1
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "swarminho:", err)
		return 1
	}
	return 0
}

func cmdRun(eng *engine.Engine, args []string, out *os.File) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	mem := fs.Int64("mem", 0, "Memory limit in MB")
	command := fs.String("cmd", "", "Command to execute (required)")
	if len(args) == 0 {
		return fmt.Errorf("run: container name is required")
	}
	name := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *command == "" {
		return fmt.Errorf("run %q: --cmd is required", name)
	}

	container, err := eng.Run(name, *command, *mem)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Container %s started with PID=%d\n", container.Name, container.PID)
	return nil
}

func cmdPs(eng *engine.Engine, out *os.File) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tMEM(MB)\tCREATED\tSTARTED\tENDED")
	for _, c := range eng.Ps() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Name,
			c.State,
			orBlank(c.PID),
			orBlank(c.MemoryLimitMB),
			fmtTime(c.CreatedAt),
			fmtTime(c.StartedAt),
			fmtTime(c.EndedAt))
	}
	return w.Flush()
}

func cmdLogs(eng *engine.Engine, args []string, out *os.File) error {
	if len(args) != 1 {
		return fmt.Errorf("logs: container name is required")
	}
	stdout, stderr, err := eng.Logs(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== STDOUT ===")
	fmt.Fprintln(out, orEmpty(stdout))
	fmt.Fprintln(out, "=== STDERR ===")
	fmt.Fprintln(out, orEmpty(stderr))
	return nil
}

func cmdStop(eng *engine.Engine, args []string, out *os.File) error {
	if len(args) != 1 {
		return fmt.Errorf("stop: container name is required")
	}
	if err := eng.Stop(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Container %s stopping\n", args[0])
	return nil
}

func cmdMetrics(cfg *common.Config, eng *engine.Engine, out *os.File) error {
	collector := newCollector(cfg, eng)
	data, err := jsonIndent(collector.Collect())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, data)
	return nil
}

func cmdServe(cfg *common.Config, eng *engine.Engine) error {
	srv := server.NewHTTPServer(eng, newCollector(cfg, eng))
	if err := srv.Start(cfg.Server); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	common.GetLogger().Info("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func cmdExperiment(cfg *common.Config, eng *engine.Engine, args []string, out *os.File) error {
	fs := flag.NewFlagSet("experiment", flag.ContinueOnError)
	sampleInterval := fs.Duration("sample-interval", 500*time.Millisecond, "Snapshot interval")
	sleepSeconds := fs.Float64("sleep-seconds", 2.0, "Container sleep duration")
	memLimit := fs.Int64("memory-limit-mb", 64, "Per-container memory limit")
	nContainers := fs.Int("n-containers", 10, "Number of containers")
	perContainerMB := fs.Int64("per-container-mb", 128, "Limit per container (mem-pressure)")
	maxContainers := fs.Int("max-containers", 50, "Container cap (mem-pressure)")
	duration := fs.Float64("duration-seconds", 5.0, "Busy-loop duration (cpu-bound)")
	output := fs.String("output", "", "Result file path")
	if len(args) == 0 {
		return fmt.Errorf("experiment: name is required (minimal, many-small, mem-pressure, cpu-bound)")
	}
	name := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	runner := experiments.NewRunner(eng, newCollector(cfg, eng))
	result, err := runner.Run(name, experiments.Options{
		SampleInterval:  *sampleInterval,
		SleepSeconds:    *sleepSeconds,
		MemoryLimitMB:   *memLimit,
		NContainers:     *nContainers,
		PerContainerMB:  *perContainerMB,
		MaxContainers:   *maxContainers,
		DurationSeconds: *duration,
	})
	if err != nil {
		return err
	}

	path := *output
	if path == "" {
		path = experiments.AutoOutputPath(result.Name)
	}
	if err := experiments.SaveResult(result, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Experiment %s finished, result written to %s\n", result.Name, path)
	return nil
}

func newCollector(cfg *common.Config, eng *engine.Engine) *metrics.Collector {
	proc := metrics.ProcReader{Path: cfg.Orchestrator.ProcPath}
	return metrics.NewCollector(eng.Registry(), eng.Layout(), proc, eng.PolicyLimitMB())
}

func jsonIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func orBlank[T int | int64](v T) string {
	if v == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}

func orEmpty(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("15:04:05")
}
