package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/jobs/internal/config"
	"github.com/msageha/jobs/internal/engine"
	"github.com/msageha/jobs/internal/logging"
	"github.com/msageha/jobs/internal/master"
	"github.com/msageha/jobs/internal/model"
	"github.com/msageha/jobs/internal/pool"
	"github.com/msageha/jobs/internal/queue"
	"github.com/msageha/jobs/internal/setup"
	"github.com/msageha/jobs/internal/status"
	"github.com/msageha/jobs/internal/topic"
	"github.com/msageha/jobs/internal/worker"
)

const version = "1.0.0"

const detachWait = 10 * time.Second

// app carries what every command needs after the config is loaded.
type app struct {
	configPath string
	cfg        model.Config
	logger     *logging.Logger
	procLogger *logging.Logger
	handlers   *topic.Handlers
}

func main() {
	args := os.Args[1:]
	var configFlag string
	for len(args) > 0 && strings.HasPrefix(args[0], "--config") {
		if v, ok := strings.CutPrefix(args[0], "--config="); ok {
			configFlag = v
			args = args[1:]
			continue
		}
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "--config requires a value")
			os.Exit(1)
		}
		configFlag = args[1]
		args = args[2:]
	}

	cmd := "help"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "help", "--help", "-h":
		printUsage()
		return
	case "version":
		fmt.Printf("jobs %s\n", version)
		return
	case "init":
		runInit(args)
		return
	}

	a := load(config.ResolvePath(configFlag))
	defer a.close()

	switch cmd {
	case "start":
		a.runStart(args)
	case "stop":
		a.runStop(args)
	case "restart":
		a.runRestart(args)
	case "status":
		a.runStatus(args)
	case "zombie":
		a.runZombie(args)
	case "check":
		a.runCheck(args)
	case "push":
		a.runPush(args)
	case "master":
		a.runMaster(args)
	case "worker":
		a.runWorker(args)
	case "delayer":
		a.runDelayer(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		a.close()
		os.Exit(1)
	}
}

func load(path string) *app {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "the configuration syntax is error;")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	a := &app{configPath: abs, cfg: cfg}
	level := config.LogLevel(cfg)
	if cfg.Log.LogDir == "" {
		a.logger = logging.New(os.Stderr, level, "jobs")
		a.procLogger = a.logger.With("process")
	} else {
		if a.logger, err = logging.Open(cfg.Log.LogDir, cfg.Log.LogFile, level, "jobs"); err != nil {
			fmt.Fprintf(os.Stderr, "open log: %v\n", err)
			os.Exit(1)
		}
		if a.procLogger, err = logging.Open(cfg.Log.LogDir, cfg.Process.ProcessLogFile, level, "process"); err != nil {
			fmt.Fprintf(os.Stderr, "open process log: %v\n", err)
			os.Exit(1)
		}
	}
	a.handlers = topic.Builtin(a.logger.With("handler"))
	return a
}

func (a *app) close() {
	if a.logger != nil {
		a.logger.Close()
	}
	if a.procLogger != nil {
		a.procLogger.Close()
	}
}

// fail logs err and exits non-zero.
func (a *app) fail(prefix string, err error) {
	a.logger.Catch(err)
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	a.close()
	os.Exit(1)
}

func (a *app) controller() *master.Controller {
	return master.NewController(a.cfg, a.handlers, master.UnixSignaler{}, a.launch, a.procLogger.With("controller"))
}

func parseStartFlags(cmd string, args []string) master.StartOptions {
	var opts master.StartOptions
	for _, arg := range args {
		switch arg {
		case "--no-delay":
			opts.NoDelay = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: jobs %s [--no-delay]\n", arg, cmd)
			os.Exit(1)
		}
	}
	return opts
}

func noArgs(cmd string, args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\nusage: jobs %s\n", args[0], cmd)
		os.Exit(1)
	}
}

func (a *app) printCheckFailure(err error) {
	a.logger.Catch(err)
	fmt.Fprintln(os.Stderr, "the configuration syntax is error;")
	var ve *config.ValidationErrors
	if errors.As(err, &ve) {
		fmt.Fprint(os.Stderr, ve.FormatStderr())
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func (a *app) runCheck(args []string) {
	noArgs("check", args)
	if err := a.controller().Check(); err != nil {
		a.printCheckFailure(err)
		a.close()
		os.Exit(1)
	}
	fmt.Println("the configuration syntax is OK;")
}

func (a *app) runStart(args []string) {
	opts := parseStartFlags("start", args)
	c := a.controller()
	if err := c.Check(); err != nil {
		a.printCheckFailure(err)
		a.close()
		os.Exit(1)
	}
	fmt.Println("the configuration syntax is OK;")
	if err := c.Start(context.Background(), opts); err != nil {
		a.fail("start", err)
	}
}

func (a *app) runStop(args []string) {
	noArgs("stop", args)
	sent, err := a.controller().Stop(false)
	if err != nil {
		a.logger.Catch(err)
		fmt.Println("stop error")
		return
	}
	if !sent {
		fmt.Println("program is not running")
		return
	}
	fmt.Println("program is stopping")
}

func (a *app) runRestart(args []string) {
	var override *master.StartOptions
	if len(args) > 0 {
		opts := parseStartFlags("restart", args)
		override = &opts
	}
	err := a.controller().Restart(context.Background(), override)
	switch {
	case errors.Is(err, master.ErrNotRunning):
		fmt.Println("program is not running")
	case err != nil:
		a.fail("restart", err)
	}
}

func (a *app) runStatus(args []string) {
	var show, jsonOutput bool
	for _, arg := range args {
		switch arg {
		case "--show":
			show = true
		case "--json":
			show, jsonOutput = true, true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: jobs status [--show] [--json]\n", arg)
			os.Exit(1)
		}
	}

	c := a.controller()
	path, err := c.Status()
	if errors.Is(err, master.ErrNotRunning) {
		fmt.Println("program is not running")
		return
	}
	if errors.Is(err, master.ErrStatusTimeout) {
		fmt.Fprintf(os.Stderr, "program status was not updated: %v\n", err)
		a.close()
		os.Exit(1)
	}
	if err != nil {
		a.fail("status", err)
	}
	if !show {
		fmt.Printf("program status was updated; detail in the file %s\n", path)
		return
	}
	if err := status.Run(c.Store(), os.Stdout, jsonOutput); err != nil {
		a.fail("status", err)
	}
}

func (a *app) runZombie(args []string) {
	noArgs("zombie", args)
	n, err := a.controller().Zombie()
	if err != nil {
		a.fail("zombie", err)
	}
	fmt.Printf("reaped %d zombie process(es)\n", n)
}

func (a *app) runPush(args []string) {
	const usage = "usage: jobs push <topic> <payload|-> [--delay <duration>]"
	var positional []string
	var delay time.Duration
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--delay":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--delay requires a value")
				os.Exit(1)
			}
			i++
			d, err := time.ParseDuration(args[i])
			if err != nil || d < 0 {
				fmt.Fprintf(os.Stderr, "invalid --delay value: %s\n", args[i])
				os.Exit(1)
			}
			delay = d
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	payload := []byte(positional[1])
	if positional[1] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			a.fail("read payload", err)
		}
		payload = data
	}

	eng := a.openEngine()
	defer eng.Close()
	id, err := eng.Submit(context.Background(), positional[0], payload, delay)
	if errors.Is(err, engine.ErrNotShared) {
		fmt.Fprintf(os.Stderr, "cannot push: %v; configure a shared queue class such as spool or redis\n", err)
		a.close()
		os.Exit(1)
	}
	if err != nil {
		a.fail("push", err)
	}
	fmt.Println(id)
}

func (a *app) openEngine() *engine.Engine {
	eng, err := engine.Open(a.cfg, a.handlers, a.logger)
	if err != nil {
		a.fail("open engine", err)
	}
	return eng
}

// launch is the Controller's Launcher: a detached "master" child when
// process.daemonize is set, otherwise the master runs in this process.
func (a *app) launch(ctx context.Context, opts master.StartOptions) error {
	if !a.cfg.Process.Daemonize {
		return a.serveMaster(ctx, opts)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	out, err := a.openProcessOutput()
	if err != nil {
		return err
	}
	defer out.Close()

	args := append([]string{"--config", a.configPath, "master"}, opts.Args()...)
	store := a.controller().Store()
	pid, err := master.Detach(exe, args, out, store, master.UnixSignaler{}, detachWait)
	if err != nil {
		return err
	}
	fmt.Printf("program started; master pid %d\n", pid)
	return nil
}

func (a *app) openProcessOutput() (*os.File, error) {
	if a.cfg.Log.LogDir == "" {
		return os.Stderr, nil
	}
	f, err := os.OpenFile(filepath.Join(a.cfg.Log.LogDir, a.cfg.Process.ProcessLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}
	return f, nil
}

// serveMaster runs the master in the foreground. Drivers shared across
// processes get exec'd worker children; otherwise workers are goroutines
// over one in-process engine.
func (a *app) serveMaster(ctx context.Context, opts master.StartOptions) error {
	reg, ok := queue.Lookup(a.cfg.Queue.Class)
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownDriver, a.cfg.Queue.Class)
	}

	var sup pool.Supervisor
	if reg.Shared {
		out, err := a.openProcessOutput()
		if err != nil {
			return err
		}
		defer out.Close()
		exec, err := pool.NewExecSupervisor([]string{"--config", a.configPath}, out)
		if err != nil {
			return err
		}
		sup = exec
	} else {
		eng := a.openEngine()
		defer eng.Close()
		sup = pool.NewInline(eng.Run, worker.ErrUnhealthy)
	}

	m := master.New(a.cfg, a.configPath, opts, sup, a.procLogger.With("master"))
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) runMaster(args []string) {
	opts := parseStartFlags("master", args)
	if err := a.serveMaster(context.Background(), opts); err != nil {
		a.fail("master", err)
	}
}

func (a *app) runWorker(args []string) {
	const usage = "usage: jobs worker --topic <name> [--slot <n>]"
	var topicName string
	var slot int
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--topic":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--topic requires a value")
				os.Exit(1)
			}
			i++
			topicName = args[i]
		case "--slot":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--slot requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "invalid --slot value: %s\n", args[i])
				os.Exit(1)
			}
			slot = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}
	if topicName == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	eng := a.openEngine()
	err := master.RunChild(context.Background(), func(ctx context.Context) error {
		return eng.RunWorker(ctx, topicName, slot)
	})
	eng.Close()
	a.exitChild("worker", err)
}

func (a *app) runDelayer(args []string) {
	noArgs("delayer", args)
	eng := a.openEngine()
	err := master.RunChild(context.Background(), eng.RunDelayer)
	eng.Close()
	a.exitChild("delayer", err)
}

func (a *app) exitChild(name string, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return
	case errors.Is(err, worker.ErrUnhealthy):
		a.logger.Errorf("%s: %v", name, err)
		a.close()
		os.Exit(pool.ExitCodeUnhealthy)
	default:
		a.fail(name, err)
	}
}

func runInit(args []string) {
	dir := "."
	switch len(args) {
	case 0:
	case 1:
		dir = args[0]
	default:
		fmt.Fprintln(os.Stderr, "usage: jobs init [project_dir]")
		os.Exit(1)
	}
	path, err := setup.Run(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
}

func printUsage() {
	fmt.Print(`Usage:
  jobs [--config <path>] command [options] [arguments]

Options:
  --config <path>   configuration file (default conf/config.yaml, or $JOBS_CONFIG)
  --no-delay        disable delay jobs (start, restart)

Available commands:
  help              displays help message
  init              write conf/config.yaml and its directories: init [project_dir]
  start             start the program
  stop              stop the program
  restart           restart the program
  status            ask the master to publish its status [--show] [--json]
  zombie            try reaping zombie processes
  check             check the configuration
  push              enqueue a job: push <topic> <payload|-> [--delay <duration>]
  version           print the version
`)
}
