package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"swarminho/internal/engine"
)

const shellHelp = `Commands:
  run NAME --cmd "COMMAND" [--mem N]   create and start a container
  ps                                   list containers
  logs NAME                            show a container's logs
  stop NAME                            terminate a running container
  help                                 show this help
  exit | quit                          leave the shell
`

// runShell is the interactive front end: a thin read-dispatch loop over
// the engine's lifecycle operations.
func runShell(eng *engine.Engine, in io.Reader, out *os.File) int {
	fmt.Fprintln(out, "swarminho interactive shell (type 'help' for commands)")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "swarminho> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return 0
		}

		tokens, err := tokenize(scanner.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, "swarminho:", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}

		switch tokens[0] {
		case "exit", "quit":
			return 0
		case "help":
			fmt.Fprint(out, shellHelp)
		case "run":
			shellReport(shellRun(eng, tokens[1:], out))
		case "ps":
			shellReport(cmdPs(eng, out))
		case "logs":
			shellReport(cmdLogs(eng, tokens[1:], out))
		case "stop":
			shellReport(cmdStop(eng, tokens[1:], out))
		default:
			fmt.Fprintf(os.Stderr, "swarminho: unknown command %q (type 'help')\n", tokens[0])
		}
	}
}

func shellRun(eng *engine.Engine, args []string, out *os.File) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	mem := fs.Int64("mem", 0, "Memory limit in MB")
	command := fs.String("cmd", "", "Command to execute")
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

func shellReport(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarminho:", err)
	}
}

// tokenize splits a shell line into fields, honoring single and double
// quotes so commands like --cmd "echo hello" stay intact.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
