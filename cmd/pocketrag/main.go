// Command pocketrag ingests documents into a local retrieval index and
// answers queries against it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/pocketrag"
	promrag "github.com/hupe1980/pocketrag/metrics/prometheus"
)

// Version is set at build time.
var Version = "dev"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *cliEnv, args []string) error
}

var commands = []command{
	{"ingest", "Ingest files, directories or stdin", runIngest},
	{"query", "Retrieve chunks and assembled context for a question", runQuery},
	{"docs", "List ingested documents", runDocs},
	{"delete", "Delete documents by ID", runDelete},
	{"compact", "Rewrite segments to drop deleted records", runCompact},
	{"switch", "Switch the embedding model and prune stale versions", runSwitch},
	{"stats", "Show engine statistics", runStats},
}

// cliEnv carries what every subcommand needs.
type cliEnv struct {
	cfg     *Config
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	metrics pocketrag.MetricsCollector
}

// open opens the configured engine. The configured model is loaded unless
// loadModel is false.
func (e *cliEnv) open(ctx context.Context, loadModel bool) (*pocketrag.Engine, error) {
	var extra []pocketrag.Option
	if e.metrics != nil {
		extra = append(extra, pocketrag.WithMetricsCollector(e.metrics))
	}
	return e.cfg.OpenEngine(ctx, loadModel, extra...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("pocketrag", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to the YAML config (default "+DefaultConfigFile+")")
	dir := fs.String("dir", "", "Override storage.dir")
	logLevel := fs.String("log-level", "", "Override log.level (debug, info, warn, error)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	version := fs.Bool("version", false, "Print the version and exit")
	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *version {
		fmt.Fprintf(stdout, "pocketrag version %s\n", Version)
		return 0
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(stderr, "Error: no command specified\n\n")
		printUsage(stderr, fs)
		return 2
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", name)
		printUsage(stderr, fs)
		return 2
	}

	path, explicit := *configPath, *configPath != ""
	if !explicit {
		path = DefaultConfigFile
	}
	cfg, err := LoadConfig(path, explicit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *dir != "" {
		cfg.Storage.Dir = *dir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	env := &cliEnv{cfg: cfg, stdin: stdin, stdout: stdout, stderr: stderr}
	if *metricsAddr != "" {
		shutdown, err := serveMetrics(env, *metricsAddr)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer shutdown()
	}

	if err := cmd.run(ctx, env, rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// serveMetrics exposes a fresh registry and installs its collector in env.
func serveMetrics(env *cliEnv, addr string) (func(), error) {
	reg := prometheus.NewRegistry()
	env.metrics = promrag.New(promrag.WithRegisterer(reg))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("metrics server: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// usageError marks invalid command-line input.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// newFlagSet creates a subcommand flag set that reports errors instead of exiting.
func newFlagSet(env *cliEnv, name, synopsis, examples string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	fs.Usage = func() {
		fmt.Fprintf(env.stderr, "USAGE:\n    pocketrag %s\n\nOPTIONS:\n", synopsis)
		fs.PrintDefaults()
		if examples != "" {
			fmt.Fprintf(env.stderr, "\nEXAMPLES:\n%s\n", examples)
		}
	}
	return fs
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `pocketrag - local retrieval for grounded answers

USAGE:
    pocketrag [global options] <command> [options] [args]

COMMANDS:
`)
	for _, c := range commands {
		fmt.Fprintf(w, "    %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "\nGLOBAL OPTIONS:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
CONFIGURATION:
    Settings are read from %s. Variables from a .env file in the
    working directory are loaded first and ${VAR} references in the
    config are expanded. The openai backend reads OPENAI_API_KEY.

Run 'pocketrag <command> -h' for command options.
`, DefaultConfigFile)
}
