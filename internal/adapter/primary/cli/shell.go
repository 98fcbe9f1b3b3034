package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"audioguard/internal/adapter/secondary/native"
	"audioguard/internal/domain"
	"audioguard/internal/logging"
)

func newShellCmd() *cobra.Command {
	var prompt string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell for subcommands and the device simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractiveShell(cmd.OutOrStdout(), prompt)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "audioguard> ", "prompt string")
	return cmd
}

// shell keeps a live engine for the sim and status commands so simulated
// hot-plug events can be watched as they happen.
type shell struct {
	out              io.Writer
	rt               *runtime
	sessionVerbosity int
	nextPID          uint32
}

func newShell(out io.Writer) *shell {
	return &shell{out: out, sessionVerbosity: verbosity, nextPID: 10000}
}

func runInteractiveShell(out io.Writer, prompt string) error {
	historyFile := filepath.Join(os.TempDir(), "audioguard-shell.history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	sh := newShell(out)
	defer sh.close()
	fmt.Fprintln(out, "Interactive shell. 'help' for usage, 'exit' to quit.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Fprintln(out)
			continue
		}
		if err == io.EOF {
			fmt.Fprintln(out)
			return nil
		}
		if sh.exec(line) {
			return nil
		}
	}
}

// exec runs one input line and reports whether the shell should exit.
func (s *shell) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch line {
	case "exit", "quit":
		fmt.Fprintln(s.out, "Bye!")
		return true
	case "help":
		printShellHelp(s.out)
		return false
	}
	tokens, err := shlex.Split(line)
	if err != nil {
		fmt.Fprintf(s.out, "Parse error: %v\n", err)
		return false
	}
	if len(tokens) == 0 {
		return false
	}

	switch tokens[0] {
	case "log":
		if err := s.handleLog(tokens[1:]); err != nil {
			fmt.Fprintf(s.out, "log: %v\n", err)
		}
		return false
	case "sim":
		if err := s.handleSim(tokens[1:]); err != nil {
			fmt.Fprintf(s.out, "sim: %v\n", err)
		}
		return false
	case "status":
		if err := s.handleStatus(); err != nil {
			fmt.Fprintf(s.out, "status: %v\n", err)
		}
		return false
	case "shell":
		fmt.Fprintln(s.out, "Already in the shell. Enter another command or 'exit' to quit.")
		return false
	}

	verbosity = s.sessionVerbosity
	if err := s.executeArgs(tokens); err != nil {
		fmt.Fprintf(s.out, "command error: %v\n", err)
	}
	s.sessionVerbosity = verbosity
	return false
}

// executeArgs runs a subcommand against the shell's config file and log
// level. NewRootCmd resets both globals to their flag defaults.
func (s *shell) executeArgs(args []string) error {
	path, level := cfgPath, verbosity
	root := NewRootCmd()
	verbosity = level
	root.SetOut(s.out)
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.Execute()
	cfgPath = path
	return err
}

// live starts the shell's engine on first use.
func (s *shell) live() (*runtime, error) {
	if s.rt != nil {
		return s.rt, nil
	}
	rt, err := openRuntime(context.Background())
	if err != nil {
		return nil, err
	}
	s.rt = rt
	return rt, nil
}

func (s *shell) close() {
	if s.rt == nil {
		return
	}
	if err := closeRuntime(s.rt); err != nil {
		logging.Warnf("close engine: %v", err)
	}
	s.rt = nil
}

func (s *shell) handleStatus() error {
	rt, err := s.live()
	if err != nil {
		return err
	}
	snap := rt.engine.Snapshot()
	printDevices(s.out, rt.engine.Devices(), snap.Defaults)
	printSnapshot(s.out, snap)
	return nil
}

func (s *shell) handleSim(args []string) error {
	rt, err := s.live()
	if err != nil {
		return err
	}
	if rt.sim == nil {
		return errors.New("the configured backend is not the simulator")
	}
	if len(args) == 0 {
		return errors.New("usage: sim list|add|remove|state|default|volume|session ...")
	}
	sim := rt.sim

	switch args[0] {
	case "list":
		for _, id := range sim.EndpointIDs() {
			v, _ := sim.Volume(id)
			fmt.Fprintf(s.out, "  %s  %s  %s\n", id, domain.DeriveDeviceID(id), percentValue(v))
		}
		return nil

	case "add":
		if len(args) < 3 {
			return errors.New("usage: sim add <id> <name> [render|capture] [volume]")
		}
		spec := simEndpointSpec(args[1], args[2])
		if len(args) > 3 {
			spec.Flow = args[3]
		}
		if len(args) > 4 {
			v, err := strconv.ParseFloat(args[4], 64)
			if err != nil {
				return err
			}
			spec.Volume = v
		}
		if err := sim.AddEndpoint(spec); err != nil {
			return err
		}

	case "remove":
		if len(args) != 2 {
			return errors.New("usage: sim remove <id>")
		}
		if err := sim.RemoveEndpoint(args[1]); err != nil {
			return err
		}

	case "state":
		if len(args) != 3 {
			return errors.New("usage: sim state <id> <active|disabled|notpresent|unplugged>")
		}
		state, err := domain.ParseDeviceState(args[2])
		if err != nil {
			return err
		}
		if err := sim.SetState(args[1], state); err != nil {
			return err
		}

	case "default":
		if len(args) != 3 {
			return errors.New("usage: sim default <console|multimedia|communications> <id>")
		}
		role, err := domain.ParseRole(args[1])
		if err != nil {
			return err
		}
		flow := domain.FlowRender
		if role == domain.RoleCommunications {
			flow = domain.FlowCapture
		}
		if err := sim.SetDefault(flow, role, args[2]); err != nil {
			return err
		}

	case "volume":
		if len(args) != 3 {
			return errors.New("usage: sim volume <id> <0-100>")
		}
		v, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return err
		}
		if err := sim.SetVolume(args[1], v); err != nil {
			return err
		}

	case "session":
		if len(args) < 3 {
			return errors.New("usage: sim session <id> <process> [volume 0-100]")
		}
		v := 100.0
		if len(args) > 3 {
			if v, err = strconv.ParseFloat(args[3], 64); err != nil {
				return err
			}
		}
		if err := domain.CheckPercent(v); err != nil {
			return err
		}
		pid := s.nextPID
		s.nextPID++
		rt.resolver.Register(pid, args[2])
		session, err := sim.CreateSession(args[1], pid, args[2], domain.PercentToScalar(v))
		if err != nil {
			return err
		}
		if err := syncEngine(rt); err != nil {
			return err
		}
		after, _ := session.Volume()
		fmt.Fprintf(s.out, "session %d (%s): %s -> %s\n", pid, args[2], percentValue(v), percentValue(domain.ScalarToPercent(after)))
		return nil

	default:
		return fmt.Errorf("unknown sim command %q", args[0])
	}
	return syncEngine(rt)
}

func simEndpointSpec(id, name string) native.EndpointSpec {
	return native.EndpointSpec{ID: id, Name: name, Volume: 50}
}

// syncEngine waits until the engine has handled the simulator's
// notifications.
func syncEngine(rt *runtime) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.engine.Sync(ctx)
}

func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, `Examples:
  devices                         # list devices and default roles
  decide game.exe 100             # what the session policy would do
  prefs get                       # stored per-device preferences
  config set --hysteresis 8       # update the config file
  status                          # live engine status (starts the engine)
  sim list                        # simulated endpoints with device ids
  sim add usb "USB Mic" capture 70
  sim default communications usb  # switch the recording device
  sim volume usb 20               # drift the microphone
  sim add phones Phones render
  sim default multimedia phones
  sim session phones game.exe 100 # start an audio session
  sim remove usb                  # unplug
  log -vv                         # more logging
  log --show                      # current log level
  exit / quit                     # leave the shell`)
}

func (s *shell) handleLog(args []string) error {
	fs := pflag.NewFlagSet("log", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var vcount int
	var level string
	var show bool
	fs.CountVarP(&vcount, "verbose", "v", "Increase verbosity (-v... up to 4)")
	fs.StringVar(&level, "level", "", "level (error|warn|info|debug|trace)")
	fs.BoolVarP(&show, "show", "s", false, "show the current level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case show && vcount == 0 && level == "":
		fmt.Fprintf(s.out, "log level: %s (-v x%d)\n", logging.LevelName(), logging.Verbosity())
		return nil
	case level != "":
		_, count, err := logging.ParseLevel(level)
		if err != nil {
			return err
		}
		s.sessionVerbosity = count
	case vcount > 0:
		s.sessionVerbosity = vcount
	default:
		fmt.Fprintf(s.out, "log level: %s (-v x%d)\n", logging.LevelName(), logging.Verbosity())
		return nil
	}

	verbosity = s.sessionVerbosity
	logging.SetVerbosity(s.sessionVerbosity)
	fmt.Fprintf(s.out, "log level set to %s (-v x%d)\n", logging.LevelName(), logging.Verbosity())
	return nil
}
