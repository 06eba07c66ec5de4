package command

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/joeycumines/gotrace/internal/config"
	"github.com/joeycumines/gotrace/internal/host"
	"github.com/joeycumines/gotrace/internal/session"
)

// LaunchCommand loads a program, connects it to the host bridge and invokes
// one function under trace.
type LaunchCommand struct {
	*BaseCommand

	function     string
	hostName     string
	server       string
	configPath   string
	logLevel     string
	logFile      string
	readyTimeout time.Duration
	safe         bool
	noConsole    bool

	// Stdin feeds the local console. Defaults to os.Stdin.
	Stdin io.Reader
	// Loader defaults to session.ProgramLoader.
	Loader session.Loader
	// Connector defaults to a session.BridgeConnector.
	Connector session.Connector
	// Session is the base for the controller's options.
	Session session.Options
}

// NewLaunchCommand creates the launcher command.
func NewLaunchCommand() *LaunchCommand {
	return &LaunchCommand{
		BaseCommand: NewBaseCommand(
			"gotrace",
			"Load a program, connect it to the host bridge and trace a function call.",
			"gotrace [options] file [args...]",
		),
	}
}

// SetupFlags configures the flags for the launch command.
func (c *LaunchCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.function, "f", "", "Function to trace and invoke (default \"main\")")
	fs.StringVar(&c.hostName, "n", "", "Host name announced to the bridge (default: program name)")
	fs.StringVar(&c.server, "s", "", "Bridge address, server[:port]")
	fs.StringVar(&c.configPath, "config", "", "Config file (default $"+config.EnvConfig+" or ~/.gotrace/config)")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&c.logFile, "log-file", "", "Also write JSON logs to this file")
	fs.DurationVar(&c.readyTimeout, "ready-timeout", 0, "Wait for the trace to be armed (default 1s)")
	fs.BoolVar(&c.safe, "safe", false, "Disallow expression evaluation in the shell")
	fs.BoolVar(&c.noConsole, "no-console", false, "Do not attach a local console")
}

// ConfigHelp lists the config file options. Program sections ([module])
// override global values.
func (c *LaunchCommand) ConfigHelp() string {
	return config.DefaultSchema().FormatHelp()
}

// Execute runs one session.
func (c *LaunchCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return &ArgumentError{Msg: "missing program file"}
	}
	file, progArgs := args[0], args[1:]

	var server string
	var port int
	if c.server != "" {
		var err error
		if server, port, err = splitServer(c.server); err != nil {
			return err
		}
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	schema := config.DefaultSchema()
	module := moduleName(file)

	logger, closer, err := resolveLogger(c.logFile, c.logLevel, cfg, schema, stderr)
	if err != nil {
		return &ArgumentError{Msg: err.Error()}
	}
	defer closer.Close()

	if server == "" {
		server = schema.Resolve(cfg, module, config.KeyServer)
	}
	if port == 0 {
		if port, err = config.ParsePort(schema.Resolve(cfg, module, config.KeyPort)); err != nil {
			logger.Warn("ignoring configured port", "error", err)
			port = host.DefaultPort
		}
	}

	spec := session.LaunchSpec{
		Function: c.function,
		Server:   server,
		Port:     port,
		HostName: c.hostName,
		FilePath: file,
		Args:     progArgs,
		Threaded: !c.noConsole && schema.ResolveBool(cfg, module, config.KeyConsole),
		Unsafe:   !c.safe && schema.ResolveBool(cfg, module, config.KeyUnsafe),
	}
	if spec.Function == "" {
		spec.Function = schema.Resolve(cfg, module, config.KeyFunction)
	}
	if spec.HostName == "" {
		spec.HostName = schema.Resolve(cfg, module, config.KeyHostName)
	}
	if spec.InitScript = schema.Resolve(cfg, module, config.KeyInitScript); spec.InitScript == "" {
		spec.InitScript = filepath.Join(filepath.Dir(file), module+".trc")
	}

	styled := isTerminal(stderr)

	opts := c.Session
	opts.Stdin = c.Stdin
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	opts.Stderr = stderr
	opts.Styled = styled
	opts.Logger = logger
	opts.ReadyTimeout = c.readyTimeout
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = schema.ResolveDuration(cfg, module, config.KeyReadyTimeout)
	}
	opts.IdleInterval = schema.ResolveDuration(cfg, module, config.KeyIdleInterval)

	loader := c.Loader
	if loader == nil {
		loader = session.ProgramLoader{}
	}
	connector := c.Connector
	if connector == nil {
		connector = &session.BridgeConnector{
			Console:          stderr,
			Styled:           styled,
			Prompt:           schema.Resolve(cfg, module, config.KeyPrompt),
			HandshakeTimeout: schema.ResolveDuration(cfg, module, config.KeyConnectTimeout),
			Logger:           logger,
		}
	}

	outcome, err := session.New(spec, loader, connector, opts).Run(context.Background())
	if err != nil {
		return err
	}
	logger.Debug("session finished", "outcome", outcome)
	return nil
}

func (c *LaunchCommand) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFromPath(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// splitServer splits server[:port] on the first colon.
func splitServer(s string) (string, int, error) {
	name, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return name, 0, nil
	}
	port, err := config.ParsePort(portStr)
	if err != nil {
		return "", 0, &ArgumentError{Msg: err.Error()}
	}
	return name, port, nil
}

// moduleName is the file's base name without its extension.
func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
