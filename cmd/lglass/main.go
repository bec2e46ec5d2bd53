// Package main is the entrypoint for the lglass CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	// Import parsers to register them
	_ "github.com/eugenetaranov/lglass/internal/parser/frr"
	_ "github.com/eugenetaranov/lglass/internal/parser/ios"
	_ "github.com/eugenetaranov/lglass/internal/parser/junos"
	_ "github.com/eugenetaranov/lglass/internal/parser/raw"

	"github.com/eugenetaranov/lglass/internal/cache"
	"github.com/eugenetaranov/lglass/internal/connector"
	"github.com/eugenetaranov/lglass/internal/connector/docker"
	"github.com/eugenetaranov/lglass/internal/connector/httpapi"
	"github.com/eugenetaranov/lglass/internal/connector/sshcli"
	"github.com/eugenetaranov/lglass/internal/credential"
	"github.com/eugenetaranov/lglass/internal/dialect"
	"github.com/eugenetaranov/lglass/internal/executor"
	"github.com/eugenetaranov/lglass/internal/inventory"
	"github.com/eugenetaranov/lglass/internal/logging"
	"github.com/eugenetaranov/lglass/internal/output"
	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/tunnel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ageIdentityEnv names the age identity file used for age: secret references.
const ageIdentityEnv = "LGLASS_AGE_IDENTITY"

// Global flags
var (
	configPath string
	debug      bool
	noColor    bool
	logFormat  string
	logLevel   string
	envFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lglass",
	Short: "lglass - Network looking glass query runner",
	Long: `lglass runs read-only diagnostic commands (BGP and routing table
lookups, ping, traceroute) against network devices over SSH, an HTTP API,
or docker exec for containerized lab routers, optionally through an SSH
bastion, and prints normalized results.`,
	Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRunE: setup,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "lglass.yaml", "Configuration file (yaml, toml, or json)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output and logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from a dotenv file")

	// Add subcommands
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(parsersCmd)
	rootCmd.AddCommand(commandsCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	level := logLevel
	if debug {
		level = "debug"
	}
	if err := logging.SetLevel(level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	switch logFormat {
	case "json":
		logging.SetJSONFormat()
	case "text":
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}
	return nil
}

func newOutput(jsonOut bool) *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor && term.IsTerminal(int(os.Stdout.Fd())))
	out.SetDebug(debug)
	out.SetJSON(jsonOut)
	return out
}

// queryCmd dispatches queries
var queryCmd = &cobra.Command{
	Use:   "query [device] <command> [key=value ...]",
	Short: "Run a command on one or more devices",
	Long: `Run a command on a device and print the parsed result.

The device is the first argument unless --device is given; --device may be
repeated to run the command on several devices concurrently.

Examples:
  lglass query edge1 "show bgp"
  lglass query edge1 bgp_route target=192.0.2.0/24
  lglass query --device edge1 --device edge2 "show route" --json`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runQuery,
}

func init() {
	queryCmd.Flags().StringSlice("device", nil, "Device to query (repeatable)")
	queryCmd.Flags().Int("concurrency", 8, "Maximum number of devices queried at once")
	queryCmd.Flags().Bool("json", false, "Print one JSON document per query")
	queryCmd.Flags().Bool("skip-tunnel-checkup", false, "Do not verify the device is reachable through the proxy before use")
}

// parseQueries turns query arguments into one Query per device.
func parseQueries(devices, args []string) ([]executor.Query, error) {
	if len(devices) == 0 {
		if len(args) < 2 {
			return nil, fmt.Errorf("a device and a command are required")
		}
		devices, args = args[:1], args[1:]
	}

	command := args[0]
	var queryArgs map[string]string
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", kv)
		}
		if queryArgs == nil {
			queryArgs = make(map[string]string)
		}
		queryArgs[k] = v
	}

	queries := make([]executor.Query, 0, len(devices))
	for _, d := range devices {
		queries = append(queries, executor.Query{Device: d, Command: command, Args: queryArgs})
	}
	return queries, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	devices, _ := cmd.Flags().GetStringSlice("device")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	jsonOut, _ := cmd.Flags().GetBool("json")
	skipCheckup, _ := cmd.Flags().GetBool("skip-tunnel-checkup")

	queries, err := parseQueries(devices, args)
	if err != nil {
		return err
	}

	cfg, err := inventory.LoadFile(configPath)
	if err != nil {
		return err
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	exec, closeFn, err := newExecutor(ctx, cfg, !skipCheckup)
	if err != nil {
		return err
	}
	defer closeFn()

	out := newOutput(jsonOut)
	outcomes := exec.DispatchAll(ctx, queries, concurrency)
	for _, o := range outcomes {
		out.Outcome(o)
	}

	stats := executor.Summarize(outcomes)
	if len(outcomes) > 1 {
		out.Summary(stats)
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d queries failed", stats.Failed, stats.Queries)
	}
	return nil
}

// newExecutor wires the credential resolver, tunnel manager, transport
// drivers, and result cache for cfg.
func newExecutor(ctx context.Context, cfg *inventory.Config, checkup bool) (*executor.Executor, func(), error) {
	var resolverOpts []credential.Option
	if identity := os.Getenv(ageIdentityEnv); identity != "" {
		resolverOpts = append(resolverOpts, credential.WithAgeIdentity(identity))
	}
	resolver := credential.NewResolver(cfg.Credentials, resolverOpts...)

	tunnels := tunnel.NewManager(resolver,
		tunnel.WithMargin(cfg.Params.Margin()),
		tunnel.WithKnownHosts(cfg.Params.KnownHosts),
		tunnel.WithCheckup(checkup),
	)
	drivers := []connector.Driver{
		sshcli.New(resolver, sshcli.WithKnownHosts(cfg.Params.KnownHosts)),
		httpapi.New(resolver),
	}

	var closers []func()
	closeFn := func() {
		for _, c := range closers {
			c()
		}
	}

	if usesTransport(cfg, inventory.TransportDocker) {
		driver, cli, err := docker.NewFromEnv()
		if err != nil {
			return nil, nil, err
		}
		drivers = append(drivers, driver)
		closers = append(closers, func() { _ = cli.Close() })
	}

	conn := connector.New(connector.ManagedTunnels(tunnels), drivers...)

	catalog, err := dialect.NewCatalog(cfg.Commands)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	opts := []executor.Option{}
	results, err := cache.Open(ctx, cfg.Params)
	if err != nil {
		// A cache outage never fails queries.
		logging.WithFields(map[string]any{"error": err.Error()}).Warn("result cache unavailable, continuing without it")
		results = nil
	}
	if results != nil {
		opts = append(opts, executor.WithCache(results))
		closers = append(closers, func() { _ = results.Close() })
	}

	return executor.New(cfg, conn, catalog, opts...), closeFn, nil
}

func usesTransport(cfg *inventory.Config, transport inventory.Transport) bool {
	for _, d := range cfg.Devices {
		if d.Transport == transport {
			return true
		}
	}
	return false
}

// validateCmd validates configuration files without connecting to anything
var validateCmd = &cobra.Command{
	Use:   "validate <config> [config2 ...]",
	Short: "Validate one or more configuration files",
	Long: `Load and validate configuration files without connecting to any device.

This checks for:
  - Valid YAML, TOML, or JSON syntax
  - Required fields (name, address, credential)
  - References to undefined proxies and credentials
  - Supported transports and command templates

Examples:
  lglass validate lglass.yaml
  lglass validate configs/*.toml`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateConfigs,
}

func validateConfigs(cmd *cobra.Command, args []string) error {
	var hasErrors bool

	for _, path := range args {
		if err := validateConfig(path); err != nil {
			fmt.Printf("FAIL: %s - %v\n", path, err)
			hasErrors = true
		} else {
			fmt.Printf("OK: %s\n", path)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more configurations failed validation")
	}

	fmt.Printf("\nAll %d configuration(s) valid.\n", len(args))
	return nil
}

func validateConfig(path string) error {
	cfg, err := inventory.LoadFile(path)
	if err != nil {
		return err
	}

	catalog, err := dialect.NewCatalog(cfg.Commands)
	if err != nil {
		return err
	}
	for _, d := range cfg.Devices {
		if len(catalog.Commands(d.Platform)) == 0 {
			return fmt.Errorf("device '%s': no commands for platform '%s'", d.Name, d.Platform)
		}
	}
	return nil
}

// devicesCmd lists configured devices
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List configured devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := inventory.LoadFile(configPath)
		if err != nil {
			return err
		}
		if len(cfg.Devices) == 0 {
			fmt.Println("No devices configured.")
			return nil
		}

		fmt.Println("Configured devices:")
		fmt.Println()
		for _, d := range cfg.Devices {
			target, via := d.Target(), "direct"
			switch {
			case d.Transport == inventory.TransportDocker:
				target, via = d.Address, "container"
			case d.Proxied():
				via = "via " + d.Proxy
			}
			fmt.Printf("  - %s (%s, %s, %s) %s\n", d.Name, d.Platform, d.Transport, target, via)
		}
		fmt.Println()
		fmt.Printf("Total: %d devices\n", len(cfg.Devices))
		return nil
	},
}

// parsersCmd lists available parsers
var parsersCmd = &cobra.Command{
	Use:   "parsers",
	Short: "List available output parsers",
	Run: func(cmd *cobra.Command, args []string) {
		names := parser.List()
		if len(names) == 0 {
			fmt.Println("No parsers registered.")
			return
		}

		fmt.Println("Available parsers:")
		fmt.Println()
		for _, name := range names {
			fmt.Printf("  - %s\n", name)
		}
		fmt.Println()
		fmt.Printf("Total: %d parsers\n", len(names))
	},
}

// commandsCmd lists command ids and their per-platform templates
var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List commands and their templates per platform",
	Long: `Display the command template for each platform. Overrides from the
configuration file are applied when it exists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var overrides map[string]map[string]string
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := inventory.LoadFile(configPath)
			if err != nil {
				return err
			}
			overrides = cfg.Commands
		}

		catalog, err := dialect.NewCatalog(overrides)
		if err != nil {
			return err
		}

		for _, platform := range catalog.Platforms() {
			fmt.Printf("\n%s:\n", platform)
			for _, command := range catalog.Commands(platform) {
				tmpl, _ := catalog.Template(platform, command)
				fmt.Printf("  %-14s %s\n", command, tmpl)
			}
		}
		return nil
	},
}
