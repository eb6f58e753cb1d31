package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/flotilla/internal/core/compose"
	"github.com/artpar/flotilla/internal/core/convergence"
	"github.com/artpar/flotilla/internal/shell/docker"
	"github.com/artpar/flotilla/internal/shell/project"
	"github.com/artpar/flotilla/internal/shell/store"
	"github.com/artpar/flotilla/internal/ui"
)

// =============================================================================
// CLI
// =============================================================================

type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string

	// newRuntime connects to the container runtime.
	newRuntime func(host string) (docker.Client, error)
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{
		stdout: stdout,
		stderr: stderr,
		newRuntime: func(host string) (docker.Client, error) {
			return docker.NewDockerClient(host)
		},
	}
}

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// report prints err and returns the exit code for it.
func (c *cli) report(err error) int {
	var (
		opErr   *project.OperationError
		cfgErr  *compose.ConfigurationError
		projErr *compose.ProjectError
		exitErr *exitError
	)
	switch {
	case errors.As(err, &cfgErr):
		fmt.Fprint(c.stderr, ui.FormatError("invalid project configuration", cfgErr.Error(), ""))
		return ExitConfigError
	case errors.As(err, &projErr):
		fmt.Fprint(c.stderr, ui.FormatError("rejected by the container runtime", projErr.Error(), ""))
		return ExitOperationError
	case errors.As(err, &opErr):
		fmt.Fprint(c.stderr, ui.FormatFailures(opErr))
		// other errors joined with the container failures
		if rest := strings.TrimSpace(strings.TrimPrefix(err.Error(), opErr.Error())); rest != "" {
			fmt.Fprint(c.stderr, ui.FormatError(rest, "", ""))
		}
		return ExitOperationError
	case errors.As(err, &exitErr):
		fmt.Fprint(c.stderr, ui.FormatError(exitErr.err.Error(), "", ""))
		return exitErr.code
	}
	fmt.Fprint(c.stderr, ui.FormatError(err.Error(), "", "run flotilla --help for usage"))
	return ExitConfigError
}

// =============================================================================
// Session
// =============================================================================

// session holds what one command needs: config, logger, runtime client,
// optional journal and the loaded project.
type session struct {
	cfg     *Config
	logger  *slog.Logger
	client  docker.Client
	journal *store.SQLiteStore
	project *project.Project
}

func (c *cli) open(cmd *cobra.Command, withProject bool) (*session, error) {
	cfg, err := LoadConfig(c.configPath, cmd.Flags())
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	s := &session{cfg: cfg, logger: SetupLogger(cfg, c.stderr)}

	s.client, err = c.newRuntime(cfg.Docker.Host)
	if err != nil {
		return nil, withCode(ExitDockerError, err)
	}

	if cfg.Journal.DSN != "" {
		s.journal, err = store.NewSQLiteStore(cfg.Journal.DSN)
		if err != nil {
			s.client.Close()
			return nil, withCode(ExitJournalError, err)
		}
	}

	if withProject {
		s.project, err = s.loadProject(cmd)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) loadProject(cmd *cobra.Command) (*project.Project, error) {
	return s.loadProjectContext(cmd.Context())
}

func (s *session) loadProjectContext(ctx context.Context) (*project.Project, error) {
	spec, err := compose.LoadProject(ctx, s.cfg.Project.Directory, s.cfg.Project.Files, s.cfg.Project.Name)
	if err != nil {
		return nil, err
	}
	opts := project.Options{
		Logger:  s.logger,
		Workers: s.cfg.Project.Workers,
		Timeout: s.cfg.Project.Timeout,
	}
	if s.journal != nil {
		opts.Recorder = s.journal
	}
	return project.New(ctx, spec, s.client, opts)
}

// Close prunes the journal to the configured size and releases resources.
func (s *session) Close() {
	if s.journal != nil {
		if s.project != nil && s.cfg.Journal.Retain > 0 {
			if _, err := s.journal.PruneOperations(context.Background(), s.project.Name(), s.cfg.Journal.Retain); err != nil {
				s.logger.Warn("failed to prune operation journal", "error", err)
			}
		}
		if err := s.journal.Close(); err != nil {
			s.logger.Error("journal close error", "error", err)
		}
	}
	if err := s.client.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}
}

// =============================================================================
// Commands
// =============================================================================

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "flotilla",
		Short: "Converge multi-container projects described by compose files",
		Long: `flotilla reads compose files and brings the containers, networks and
volumes of a project to the declared state. Containers are found through
labels, so no local state is needed between runs.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	root.SetVersionTemplate(`{{printf "flotilla %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "path to config file")
	pf.StringSliceP("file", "f", nil, "compose files (repeatable)")
	pf.StringP("project-name", "p", "", "project name (default: directory name)")
	pf.String("project-directory", "", "working directory of the project")
	pf.String("docker-host", "", "Docker daemon address")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.Int("workers", 0, "parallel runtime calls per dependency level")
	pf.String("journal", "", "operation journal database (empty disables it)")

	root.AddCommand(
		c.upCommand(),
		c.createCommand(),
		c.lifecycleCommand("start", "Start existing containers", false),
		c.lifecycleCommand("stop", "Stop running containers", true),
		c.lifecycleCommand("pause", "Pause running containers", false),
		c.lifecycleCommand("unpause", "Resume paused containers", false),
		c.lifecycleCommand("kill", "Kill running containers", false),
		c.lifecycleCommand("rm", "Remove stopped containers", false),
		c.scaleCommand(),
		c.downCommand(),
		c.psCommand(),
		c.historyCommand(),
		c.serveCommand(),
		c.versionCommand(),
	)
	return root
}

func (c *cli) upCommand() *cobra.Command {
	var (
		strategy      string
		noDeps        bool
		removeOrphans bool
		timeout       int
		detached      bool
	)
	cmd := &cobra.Command{
		Use:   "up [SERVICE...]",
		Short: "Create and start containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := convergence.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			containers, err := s.project.Up(cmd.Context(), project.UpOptions{
				Services:      args,
				Strategy:      strat,
				NoDeps:        noDeps,
				RemoveOrphans: removeOrphans,
				Timeout:       seconds(timeout),
				Detached:      detached,
			})
			if len(containers) > 0 {
				fmt.Fprintln(c.stdout, ui.ContainerTable(containers))
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&strategy, "strategy", "changed", "recreate strategy: changed, always or never")
	f.BoolVar(&noDeps, "no-deps", false, "don't start linked services")
	f.BoolVar(&removeOrphans, "remove-orphans", false, "remove containers for services not in the compose files")
	f.IntVarP(&timeout, "timeout", "t", 0, "shutdown timeout in seconds")
	f.BoolVarP(&detached, "detach", "d", false, "run containers in the background")
	return cmd
}

func (c *cli) createCommand() *cobra.Command {
	var (
		strategy string
		noDeps   bool
	)
	cmd := &cobra.Command{
		Use:   "create [SERVICE...]",
		Short: "Create containers without starting them",
		RunE: func(cmd *cobra.Command, args []string) error {
			strat, err := convergence.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			containers, err := s.project.Create(cmd.Context(), project.CreateOptions{
				Services: args,
				Strategy: strat,
				NoDeps:   noDeps,
			})
			if len(containers) > 0 {
				fmt.Fprintln(c.stdout, ui.ContainerTable(containers))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "changed", "recreate strategy: changed, always or never")
	cmd.Flags().BoolVar(&noDeps, "no-deps", false, "don't create linked services")
	return cmd
}

func (c *cli) lifecycleCommand(name, short string, withTimeout bool) *cobra.Command {
	var (
		timeout       int
		signal        string
		removeVolumes bool
	)
	cmd := &cobra.Command{
		Use:   name + " [SERVICE...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, p := cmd.Context(), s.project
			switch name {
			case "start":
				return p.Start(ctx, args)
			case "stop":
				return p.Stop(ctx, args, seconds(timeout))
			case "pause":
				return p.Pause(ctx, args)
			case "unpause":
				return p.Unpause(ctx, args)
			case "kill":
				return p.Kill(ctx, args, signal)
			case "rm":
				return p.RemoveStopped(ctx, args, removeVolumes)
			}
			return fmt.Errorf("unknown command %s", name)
		},
	}
	if withTimeout {
		cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "shutdown timeout in seconds")
	}
	switch name {
	case "kill":
		cmd.Flags().StringVarP(&signal, "signal", "s", "SIGKILL", "signal to send")
	case "rm":
		cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "remove anonymous volumes")
	}
	return cmd
}

func (c *cli) scaleCommand() *cobra.Command {
	var timeout int
	cmd := &cobra.Command{
		Use:   "scale SERVICE=NUM...",
		Short: "Set the number of containers for services",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parseScaleArgs(args)
			if err != nil {
				return withCode(ExitConfigError, err)
			}
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			var errs []error
			for _, t := range targets {
				if err := s.project.Scale(cmd.Context(), t.service, t.count, seconds(timeout)); err != nil {
					if compose.IsFatal(err) {
						return err
					}
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "shutdown timeout in seconds")
	return cmd
}

type scaleTarget struct {
	service string
	count   int
}

func parseScaleArgs(args []string) ([]scaleTarget, error) {
	targets := make([]scaleTarget, 0, len(args))
	for _, arg := range args {
		service, num, ok := strings.Cut(arg, "=")
		if !ok || service == "" {
			return nil, fmt.Errorf("invalid scale argument %q, expected SERVICE=NUM", arg)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return nil, fmt.Errorf("number of containers for %s is not a number: %q", service, num)
		}
		targets = append(targets, scaleTarget{service: service, count: n})
	}
	return targets, nil
}

func (c *cli) downCommand() *cobra.Command {
	var (
		removeOrphans bool
		removeVolumes bool
		timeout       int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove containers, networks and optionally volumes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.project.Down(cmd.Context(), project.DownOptions{
				RemoveOrphans: removeOrphans,
				RemoveVolumes: removeVolumes,
				Timeout:       seconds(timeout),
			})
		},
	}
	cmd.Flags().BoolVar(&removeOrphans, "remove-orphans", false, "remove containers for services not in the compose files")
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "remove project volumes")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "shutdown timeout in seconds")
	return cmd
}

func (c *cli) psCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ps [SERVICE...]",
		Short: "List containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			containers, err := s.project.Containers(cmd.Context(), args, all)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, ui.ContainerTable(containers))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include stopped containers")
	return cmd
}

func (c *cli) historyCommand() *cobra.Command {
	var (
		limit int
		prune int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded operations of the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()
			if s.journal == nil {
				return withCode(ExitConfigError, errors.New("operation journal is disabled; set journal.dsn or --journal"))
			}

			if prune > 0 {
				n, err := s.journal.PruneOperations(cmd.Context(), s.project.Name(), prune)
				if err != nil {
					return withCode(ExitJournalError, err)
				}
				fmt.Fprintln(c.stdout, ui.Success(fmt.Sprintf("removed %d operation(s)", n)))
			}

			ops, err := s.journal.ListOperations(cmd.Context(), store.ListOptions{Project: s.project.Name(), Limit: limit})
			if err != nil {
				return withCode(ExitJournalError, err)
			}
			fmt.Fprintln(c.stdout, ui.OperationTable(ops))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of operations to show")
	cmd.Flags().IntVar(&prune, "prune", 0, "keep only the newest N operations")
	return cmd
}

func (c *cli) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			if err := s.client.Ping(cmd.Context()); err != nil {
				s.Close()
				return withCode(ExitDockerError, err)
			}
			server := NewServer(s)
			return server.Start(cmd.Context())
		},
	}
	cmd.Flags().String("host", "", "address to listen on")
	cmd.Flags().Int("port", 0, "port to listen on")
	return cmd
}

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.stdout, "flotilla %s (built %s)\n", Version, BuildTime)
		},
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
