package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/devproxy/devproxy/internal/config"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/server"
)

var version = "dev"

var (
	configFile string
	pidFile    string
	rcFile     string
	saveFile   string
	adminURL   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "devproxy",
		Short:         "devproxy - record, lock and replay HTTP traffic during development",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newSaveCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)

	// Default to start if no command provided
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "start")
	}

	if err := rootCmd.Execute(); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, msg := range verr.Problems {
				fmt.Fprintln(os.Stderr, msg)
			}
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// addServerFlags registers one flag per configuration key
func addServerFlags(flags *pflag.FlagSet) {
	defaults := config.Default()

	flags.StringVar(&configFile, "configfile", "", "YAML configuration file to load")
	flags.StringVar(&pidFile, "pidfile", "devproxy.pid", "PID file location")
	flags.StringVar(&rcFile, "rcfile", "", "Run commands file (defaults to ./"+config.RCFileName+" or ~/"+config.RCFileName+")")

	flags.String("listen", defaults.Proxy.Listen, "Proxy listen address")
	flags.String("tls-cert", "", "Certificate file to serve the proxy over HTTPS")
	flags.String("tls-key", "", "Private key file for --tls-cert")
	flags.String("admin-listen", defaults.Admin.Listen, "Admin API listen address")
	flags.StringSlice("origin", nil, "Allowed CORS origins for the admin API")
	flags.String("ipWhitelist", "", "Admin API IP allow-list (pipe-delimited)")
	flags.Bool("localOnly", false, "Only allow admin API connections from localhost")
	flags.String("store", defaults.Store.Driver, "Store driver (memory, file, redis)")
	flags.String("datadir", defaults.Store.Dir, "Directory for the file store")
	flags.String("redis-addr", "", "Redis address for the redis store")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database")
	flags.String("redis-prefix", "", "Redis key prefix")
	flags.Duration("upstream-timeout", defaults.Upstream.Timeout, "Upstream request timeout")
	flags.String("loglevel", defaults.Logging.Level, "Log level (debug, info, warn, error)")
	flags.String("logformat", defaults.Logging.Format, "Log format (text, json)")
	flags.String("logfile", "", "Rotating log file")
	flags.Int("event-buffer", defaults.Events.BufferSize, "Per-observer event buffer size")
	flags.Int("history-size", defaults.Events.HistorySize, "Number of recent events kept")
}

// loadConfig builds the effective configuration: file, then run commands
// file defaults, then explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyRCFile(cmd.Flags()); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("listen", func() { cfg.Proxy.Listen, _ = flags.GetString("listen") })
	set("tls-cert", func() { cfg.Proxy.TLS.CertFile, _ = flags.GetString("tls-cert") })
	set("tls-key", func() { cfg.Proxy.TLS.KeyFile, _ = flags.GetString("tls-key") })
	set("admin-listen", func() { cfg.Admin.Listen, _ = flags.GetString("admin-listen") })
	set("origin", func() { cfg.Admin.Origins, _ = flags.GetStringSlice("origin") })
	set("ipWhitelist", func() {
		raw, _ := flags.GetString("ipWhitelist")
		cfg.Admin.IPWhitelist = strings.Split(raw, "|")
	})
	set("localOnly", func() { cfg.Admin.LocalOnly, _ = flags.GetBool("localOnly") })
	set("store", func() { cfg.Store.Driver, _ = flags.GetString("store") })
	set("datadir", func() { cfg.Store.Dir, _ = flags.GetString("datadir") })
	set("redis-addr", func() { cfg.Store.Redis.Addr, _ = flags.GetString("redis-addr") })
	set("redis-password", func() { cfg.Store.Redis.Password, _ = flags.GetString("redis-password") })
	set("redis-db", func() { cfg.Store.Redis.DB, _ = flags.GetInt("redis-db") })
	set("redis-prefix", func() { cfg.Store.Redis.Prefix, _ = flags.GetString("redis-prefix") })
	set("upstream-timeout", func() { cfg.Upstream.Timeout, _ = flags.GetDuration("upstream-timeout") })
	set("loglevel", func() { cfg.Logging.Level, _ = flags.GetString("loglevel") })
	set("logformat", func() { cfg.Logging.Format, _ = flags.GetString("logformat") })
	set("logfile", func() { cfg.Logging.File, _ = flags.GetString("logfile") })
	set("event-buffer", func() { cfg.Events.BufferSize, _ = flags.GetInt("event-buffer") })
	set("history-size", func() { cfg.Events.HistorySize, _ = flags.GetInt("history-size") })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyRCFile sets flags named in the run commands file that were not given
// on the command line
func applyRCFile(flags *pflag.FlagSet) error {
	path := rcFile
	if path == "" {
		path = config.FindRCFile()
	}
	if path == "" {
		return nil
	}

	values, err := config.ParseRCFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for name, value := range values {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("%s: unknown option %q", path, name)
		}
		if flag.Changed {
			continue
		}
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("%s: %s: %w", path, name, err)
		}
	}
	return nil
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy and the admin API",
		RunE:  runStart,
	}
	addServerFlags(cmd.Flags())
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{Config: cfg, Version: version})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}

	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing PID file: %v\n", err)
	}
	defer os.Remove(pidFile)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\nShutting down...")

	return srv.Stop()
}

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running devproxy",
		RunE:  runStop,
	}
	cmd.Flags().StringVar(&pidFile, "pidfile", "devproxy.pid", "PID file location")
	return cmd
}

func runStop(cmd *cobra.Command, args []string) error {
	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return fmt.Errorf("invalid PID file %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stop process %d: %w", pid, err)
	}

	fmt.Println("devproxy stopped")
	return nil
}

func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop a running devproxy and start a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runStop(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			} else {
				// give the old process time to release its ports
				time.Sleep(500 * time.Millisecond)
			}
			return runStart(cmd, args)
		},
	}
	addServerFlags(cmd.Flags())
	return cmd
}

func newSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save the rules of a running devproxy to a configuration file",
		RunE:  runSave,
	}
	cmd.Flags().StringVar(&adminURL, "admin", "http://localhost:8081", "Admin API base URL")
	cmd.Flags().StringVar(&configFile, "configfile", "", "Configuration file to merge the rules into")
	cmd.Flags().StringVar(&saveFile, "savefile", "devproxy.yaml", "File to save to")
	return cmd
}

func runSave(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(adminURL, "/") + "/api/rules")
	if err != nil {
		return fmt.Errorf("connect to devproxy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get rules: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var payload struct {
		Rules models.RuleList `json:"rules"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}

	cfg := config.Default()
	if configFile != "" {
		if cfg, err = config.Load(configFile); err != nil {
			return err
		}
	}

	if err := config.Save(saveFile, cfg, payload.Rules); err != nil {
		return err
	}

	fmt.Printf("Saved %d rules to %s\n", len(payload.Rules), saveFile)
	return nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <configfile>",
		Short: "Check a configuration file without starting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d rules)\n", args[0], len(cfg.Rules))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
