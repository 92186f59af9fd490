// Tracewise investigates production errors with a tool-using LLM agent
// and holds multi-turn chat sessions over the same tool set.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tracewise analyze [file|-] [-html]       Analyze an error report (JSON)
//	tracewise chat [-session id] [-stream] <message>
//	                                         Send one chat message
//	tracewise history <session>              Print a session transcript
//	tracewise stats <session>                Summarize a session
//	tracewise clear <session>                Delete a session
//	tracewise purge                          Delete expired sessions
//	tracewise usage [window]                 Token usage, default last 24h
//	tracewise init [dir]                     Write a starter config
//	tracewise version                        Print version information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/tracewise/internal/buildinfo"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole command lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath string
	outputFmt  string // text or json
}

// run is the real entry point. Results go to stdout, logs to stderr.
// Arguments are parsed by hand: the flag package's global state gets
// in the way of calling run concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "analyze":
		return runAnalyze(ctx, stdin, stdout, stderr, opts, cmdArgs)
	case "chat":
		return runChat(ctx, stdout, stderr, opts, cmdArgs)
	case "history", "stats", "clear":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: tracewise %s <session>", command)
		}
		return runSession(ctx, stdout, stderr, opts, command, cmdArgs[0])
	case "purge":
		return runPurge(ctx, stdout, stderr, opts)
	case "usage":
		return runUsage(ctx, stdout, stderr, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tracewise - error analysis and chat with a tool-using agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tracewise [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  analyze [file|-] [-html]      Analyze an error report (JSON, default stdin)")
	fmt.Fprintln(w, "  chat [-session id] [-stream] <message>")
	fmt.Fprintln(w, "                                Send one chat message")
	fmt.Fprintln(w, "  history <session>             Print a session transcript")
	fmt.Fprintln(w, "  stats <session>               Summarize a session")
	fmt.Fprintln(w, "  clear <session>               Delete a session")
	fmt.Fprintln(w, "  purge                         Delete expired sessions")
	fmt.Fprintln(w, "  usage [window]                Token usage (default: 24h)")
	fmt.Fprintln(w, "  init [dir]                    Write a starter config (default: .)")
	fmt.Fprintln(w, "  version                       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/tracewise/config.yaml, /etc/tracewise/config.yaml")
	return nil
}
