package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. It exists so tests can drive the CLI
// without spawning a process.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "resume":
		return runResume(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "list":
		return runList(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "cancel":
		return runCancel(args[2:], stdout, stderr)
	case "attach":
		return runAttach(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "docket — tamper-evident deliberation workflows")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  docket <command> [flags] [args]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "CASES:")
	fmt.Fprintln(w, "  start    Open a case and run it (--workflow file.yaml [--context JSON] [--no-run])")
	fmt.Fprintln(w, "  resume   Pick a case back up ([--force] <case-id>)")
	fmt.Fprintln(w, "  status   Show a case and its stage results ([--json] <case-id>)")
	fmt.Fprintln(w, "  list     List cases ([--status open|in_progress|failed|approved|rejected])")
	fmt.Fprintln(w, "  cancel   Cancel a case between stages (--reason text <case-id>)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "AUDIT:")
	fmt.Fprintln(w, "  attach   Store an evidence file and record its ref ([--name n] <case-id> <file>)")
	fmt.Fprintln(w, "  verify   Verify chain, pairing, seals and evidence ([--json] [--bundle file] [<case-id>])")
	fmt.Fprintln(w, "  export   Export a portable evidence bundle (--out file <case-id>)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from DOCKET_* environment variables; see pkg/config.")
}
