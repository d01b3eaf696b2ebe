// Package commands implements the readback command line.
package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/readback"
	"github.com/gogpu/readback/internal/kernels"
)

// Configuration keys. Each is also read from READBACK_<KEY> with dashes
// replaced by underscores.
const (
	keyBackend    = "backend"
	keyKernel     = "kernel"
	keyEntryPoint = "entry-point"
	keyLogLevel   = "log-level"
)

// Execute runs the root command against the process arguments. Errors are
// printed to stderr; pipeline failures as "GPU error: <message>".
func Execute() error {
	cmd := NewRootCommand(os.Stdout, os.Stderr)
	err := cmd.Execute()
	if err != nil {
		printError(os.Stderr, err)
	}
	return err
}

func printError(w io.Writer, err error) {
	var gpuErr *readback.GPUError
	if errors.As(err, &gpuErr) {
		fmt.Fprintf(w, "GPU error: %s\n", gpuErr.Message)
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// cli carries the per-invocation state shared by subcommands.
type cli struct {
	v       *viper.Viper
	cfgFile string
	out     io.Writer
	errOut  io.Writer
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "readback",
		Short: "Run a compute kernel on the GPU and read back its result",
		Long: `readback dispatches one compute kernel on the first available GPU
adapter, copies the u32 it writes into a host-visible buffer, maps that
buffer and prints the value.

Running without a subcommand is the same as "readback run".`,
		Version:       readback.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.initConfig(); err != nil {
				return err
			}
			return c.initLogging()
		},
		RunE: c.runKernel,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is ./readback.yaml if present)")
	flags.StringSlice(keyBackend, []string{readback.BackendVulkan},
		"backends to try in order ("+strings.Join(readback.BackendNames(), ", ")+")")
	flags.String(keyKernel, kernels.Default, "embedded kernel name or path to a WGSL file")
	flags.String(keyEntryPoint, readback.DefaultEntryPoint, "kernel entry point")
	flags.String(keyLogLevel, "warn", "log level (debug, info, warn, error)")

	for _, key := range []string{keyBackend, keyKernel, keyEntryPoint, keyLogLevel} {
		_ = c.v.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(
		newRunCommand(c),
		newAdaptersCommand(c),
		newKernelsCommand(c),
		newVersionCommand(c),
	)
	return root
}

// initConfig reads the optional config file and the environment.
func (c *cli) initConfig() error {
	c.v.SetEnvPrefix("READBACK")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", c.cfgFile, err)
		}
		return nil
	}

	c.v.AddConfigPath(".")
	c.v.SetConfigType("yaml")
	c.v.SetConfigName("readback")
	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (c *cli) initLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.v.GetString(keyLogLevel))); err != nil {
		return fmt.Errorf("invalid log level %q", c.v.GetString(keyLogLevel))
	}
	handler := slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: level})
	readback.SetLogger(slog.New(handler))
	return nil
}

// backends resolves the configured backend names.
func (c *cli) backends() ([]readback.Backend, error) {
	names := c.v.GetStringSlice(keyBackend)
	out := make([]readback.Backend, 0, len(names))
	for _, name := range names {
		b, err := readback.LookupBackend(name)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// kernelSource resolves the configured kernel: an embedded name first,
// then a file path.
func (c *cli) kernelSource() (string, error) {
	name := c.v.GetString(keyKernel)
	if src, err := kernels.Source(name); err == nil {
		return src, nil
	}
	if filepath.Ext(name) == "" {
		return "", fmt.Errorf("unknown kernel %q (embedded: %s)", name, strings.Join(kernels.Names(), ", "))
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read kernel: %w", err)
	}
	return string(data), nil
}
