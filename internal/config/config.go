// Package config holds devserve's startup configuration.
//
// Values come from three layers, later ones winning: built-in defaults,
// an optional YAML file named with -config, and flags the user set
// explicitly. No file is read unless one is named.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Kush-Singh-26/devserve/internal/mimetypes"
)

// Job kinds.
const (
	KindExec    = "exec"
	KindEsbuild = "esbuild"
)

// DefaultCompiler is the watch-mode TypeScript compiler installed by npm.
const DefaultCompiler = "./node_modules/.bin/tsc"

// Config is the complete startup configuration.
type Config struct {
	Host      string            `yaml:"host"`      // Bind address, empty means all interfaces
	Port      int               `yaml:"port"`      // TCP port (default: 8000)
	Root      string            `yaml:"root"`      // Served root (default: ".")
	MIMETypes map[string]string `yaml:"mimeTypes"` // Extension overrides (default: .wasm)

	Compress bool `yaml:"compress"` // Gzip responses for clients that accept it
	ETag     bool `yaml:"etag"`     // Strong ETags from content digests

	WatchOutput     bool          `yaml:"watchOutput"`     // Log changes under Root
	Debounce        time.Duration `yaml:"debounce"`        // Output watcher quiet period (default: 300ms)
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"` // Server shutdown timeout (default: 5s)
	StopJobsOnExit  bool          `yaml:"stopJobsOnExit"`  // Terminate watch jobs when serving ends

	Verbose bool  `yaml:"verbose"`
	Jobs    []Job `yaml:"jobs"`
}

// Job describes one background watch-mode build.
type Job struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`    // exec (default) or esbuild
	Command []string `yaml:"command"` // Executable followed by its arguments
	Run     string   `yaml:"run"`     // Alternative to Command, split with shell word rules
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"` // Extra KEY=VALUE entries

	// esbuild only
	EntryPoints []string `yaml:"entryPoints"`
	Outdir      string   `yaml:"outdir"`
	Bundle      bool     `yaml:"bundle"`
	Minify      bool     `yaml:"minify"`
	Sourcemap   bool     `yaml:"sourcemap"`
	Tsconfig    string   `yaml:"tsconfig"`
}

// Default returns the configuration used when devserve runs with no
// arguments: port 8000 on every interface, the .wasm override, and the
// two tsc watchers.
func Default() *Config {
	return &Config{
		Host: "",
		Port: 8000,
		Root: ".",
		MIMETypes: map[string]string{
			".wasm": "application/wasm",
		},
		Debounce:        300 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		Jobs: []Job{
			{Name: "tsc", Command: []string{DefaultCompiler, "--watch"}},
			{Name: "tsc-alt", Command: []string{DefaultCompiler, "--watch", "-p", "tsconfig.alt.json"}},
		},
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the configuration for values that cannot start a server.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Root == "" {
		return errors.New("root must not be empty")
	}
	if _, err := mimetypes.Normalize(c.MIMETypes); err != nil {
		return err
	}
	if c.Debounce < 0 || c.ShutdownTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	for i, j := range c.Jobs {
		if err := j.validate(); err != nil {
			return fmt.Errorf("job %d (%s): %w", i, j.Name, err)
		}
	}
	return nil
}

func (j Job) validate() error {
	switch j.Kind {
	case "", KindExec:
		if len(j.Command) > 0 && j.Run != "" {
			return errors.New("set either command or run, not both")
		}
		if len(j.Command) == 0 && strings.TrimSpace(j.Run) == "" {
			return errors.New("exec job needs a command")
		}
	case KindEsbuild:
		if len(j.EntryPoints) == 0 {
			return errors.New("esbuild job needs entryPoints")
		}
	default:
		return fmt.Errorf("unknown kind %q", j.Kind)
	}
	for _, kv := range j.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	return nil
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	defaults := cfg.MIMETypes
	cfg.MIMETypes = nil
	if err := decode(f, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fileTypes, err := mimetypes.Normalize(cfg.MIMETypes)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.MIMETypes = defaults
	for ext, typ := range fileTypes {
		setMIMEType(cfg.MIMETypes, ext, typ)
	}
	return cfg, nil
}

// setMIMEType replaces every case variant of ext in m.
func setMIMEType(m map[string]string, ext, typ string) {
	for k := range m {
		if strings.EqualFold(k, ext) {
			delete(m, k)
		}
	}
	m[strings.ToLower(ext)] = typ
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Load parses command-line flags and returns the merged configuration.
// It returns flag.ErrHelp when -h is given.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("devserve", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (optional)")
	host := fs.String("host", "", "The host/IP to bind to (empty: all interfaces)")
	port := fs.Int("port", 8000, "The port to listen on")
	root := fs.String("root", ".", "Directory to serve")
	compress := fs.Bool("gzip", false, "Gzip responses")
	etag := fs.Bool("etag", false, "Send content-digest ETags")
	watchOutput := fs.Bool("watch-output", false, "Log changes under the served root")
	noJobs := fs.Bool("no-jobs", false, "Do not start any watch jobs")
	stopJobs := fs.Bool("stop-jobs", false, "Terminate watch jobs on exit")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	mimeFlags := map[string]string{}
	fs.Func("mime", "Content-Type override as .ext=type (repeatable)", func(v string) error {
		ext, typ, ok := strings.Cut(v, "=")
		if !ok {
			return fmt.Errorf("expected .ext=type, got %q", v)
		}
		mimeFlags[strings.ToLower(strings.TrimSpace(ext))] = strings.TrimSpace(typ)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := Default()
	if *configPath != "" {
		var err error
		if cfg, err = LoadFile(*configPath); err != nil {
			return nil, err
		}
	}

	// Only explicitly set flags override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "root":
			cfg.Root = *root
		case "gzip":
			cfg.Compress = *compress
		case "etag":
			cfg.ETag = *etag
		case "watch-output":
			cfg.WatchOutput = *watchOutput
		case "no-jobs":
			if *noJobs {
				cfg.Jobs = nil
			}
		case "stop-jobs":
			cfg.StopJobsOnExit = *stopJobs
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	if len(mimeFlags) > 0 && cfg.MIMETypes == nil {
		cfg.MIMETypes = make(map[string]string, len(mimeFlags))
	}
	for ext, typ := range mimeFlags {
		setMIMEType(cfg.MIMETypes, ext, typ)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
