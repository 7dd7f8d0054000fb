package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/config"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/contracts"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/negotiation"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/pdp"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

const version = "v0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = check failed (unknown pattern, invalid agreement, unhealthy)
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "classify":
		return runClassifyCmd(args[2:], stdout, stderr)
	case "validate-agreement":
		return runValidateAgreementCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sDataspace Connector %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sUsage control for sovereign data exchange.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  connector <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "CONNECTOR")
	printCommand(w, "serve", "Run the connector API and enforcement sweep (default)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "POLICIES & CONTRACTS")
	printCommand(w, "classify", "Classify a rule file into its policy pattern (--json)")
	printCommand(w, "validate-agreement", "Check an agreement against the request it answers")
	printCommand(w, "sweep", "Run one enforcement sweep against the configured store (--json)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sConfiguration is read from the environment and CONNECTOR_CONFIG.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-20s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// newLogger builds the process logger at the configured level.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 2
	}
	return 0
}

// runClassifyCmd implements `connector classify <rule.json>`.
func runClassifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("classify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: connector classify [--json] <rule.json>")
		return 2
	}

	//nolint:gosec // G304: operator-supplied path
	data, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	rule, err := contracts.ParseRule(string(data))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	pattern, err := pdp.Classify(*rule)
	result := map[string]any{"rule": rule.ID, "kind": rule.Kind}
	code := 0
	if err != nil {
		result["error"] = err.Error()
		code = 1
	} else {
		result["pattern"] = pattern.String()
	}

	if *jsonOutput {
		if rc := writeJSON(stdout, result); rc != 0 {
			return rc
		}
		return code
	}
	if code != 0 {
		_, _ = fmt.Fprintf(stdout, "%s✗ %v%s\n", ColorRed, err, ColorReset)
		return code
	}
	_, _ = fmt.Fprintf(stdout, "%s✓ %s%s\n", ColorGreen, pattern, ColorReset)
	return 0
}

// runValidateAgreementCmd implements
// `connector validate-agreement <agreement.json> <request.json>`.
func runValidateAgreementCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate-agreement", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: connector validate-agreement [--json] <agreement.json> <request.json>")
		return 2
	}

	//nolint:gosec // G304: operator-supplied path
	agreementText, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	//nolint:gosec // G304: operator-supplied path
	requestText, err := os.ReadFile(cmd.Arg(1))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	request, err := contracts.ParseContract(string(requestText))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: request: %v\n", err)
		return 2
	}

	// Validation only reads the two documents; the identity is never stamped.
	m, err := negotiation.NewManager(negotiation.Config{ConnectorID: config.Default().ConnectorID}, store.NewMemoryStore())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	agreement, verr := m.ValidateContractAgreement(string(agreementText), request)

	if *jsonOutput {
		out := map[string]any{"valid": verr == nil}
		if verr != nil {
			out["error"] = verr.Error()
		} else {
			out["agreement"] = agreement.ID
		}
		if rc := writeJSON(stdout, out); rc != 0 {
			return rc
		}
		if verr != nil {
			return 1
		}
		return 0
	}
	if verr != nil {
		_, _ = fmt.Fprintf(stdout, "%s✗ agreement invalid: %v%s\n", ColorRed, verr, ColorReset)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s✓ agreement %s matches request %s%s\n", ColorGreen, agreement.ID, request.ID, ColorReset)
	return 0
}

// runSweepCmd implements `connector sweep`: one enforcement cycle against
// the configured store and payloads.
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sweep", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output the sweep report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	c, err := NewConnector(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = c.Close() }()

	if !c.Sweeper.Enabled() {
		_, _ = fmt.Fprintf(stderr, "Enforcement sweep is disabled for the %s framework\n", cfg.Framework)
		return 2
	}
	report, err := c.Sweeper.RunOnce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if *jsonOutput {
		if rc := writeJSON(stdout, report); rc != 0 {
			return rc
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "agreements=%d due=%d erased=%d failed=%d\n",
			report.Agreements, report.Due, report.Erased, report.Failed)
	}
	if report.Failed > 0 {
		return 1
	}
	return 0
}

// runHealthCmd implements `connector health`.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("url", "", "Health endpoint (default http://localhost:$PORT/health)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *url == "" {
		port := os.Getenv("PORT")
		if port == "" {
			port = config.Default().Port
		}
		*url = "http://localhost:" + port + "/health"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*url)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
