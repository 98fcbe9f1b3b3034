package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"audioguard/internal/adapter/primary/web"
	"audioguard/internal/config"
	"audioguard/internal/domain"
	"audioguard/internal/logging"
)

var (
	cfgPath   string
	verbosity int
)

const shutdownTimeout = 5 * time.Second

// NewRootCmd creates the root CLI command.
// This is the primary adapter that translates CLI inputs to use case calls.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "audioguard",
		Short:         "Keep the microphone level and per-app session volumes where you want them",
		Long:          "Tracks audio devices and default roles, corrects microphone volume drift and applies per-process session volume policies.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "more logging (-v, -vv, ... up to 4)")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.SetVerbosity(verbosity)
	}

	cmd.AddCommand(
		newDaemonCmd(),
		newServeCmd(),
		newDevicesCmd(),
		newPrefsCmd(),
		newConfigCmd(),
		newDecideCmd(),
		newApplyCmd(),
		newShellCmd(),
	)

	return cmd
}

// Execute runs the root command and reports the error on stderr.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeRuntime(rt *runtime) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return rt.Close(ctx)
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the engine without the web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			if err := rt.watchConfig(); err != nil {
				logging.Warnf("config hot reload disabled: %v", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "audioguard daemon started")
			logging.Infof("daemon started, config %s", rt.store.Path())
			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon shutting down...")
			return closeRuntime(rt)
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the web UI, REST API and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			if err := rt.watchConfig(); err != nil {
				logging.Warnf("config hot reload disabled: %v", err)
			}
			if addr == "" {
				addr = rt.cfg.Server.Addr
			}

			srv := web.NewServer(rt.engine, addr)
			fmt.Fprintf(cmd.OutOrStdout(), "audioguard UI running at http://%s\n", addr)
			logging.Infof("web UI: http://%s", addr)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			serveErr := srv.Start()
			if errors.Is(serveErr, http.ErrServerClosed) {
				serveErr = nil
			}
			return errors.Join(serveErr, closeRuntime(rt))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newDevicesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices, default roles and microphone status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			snap := rt.engine.Snapshot()
			devices := rt.engine.Devices()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"status": snap, "devices": devices})
			}
			printDevices(out, devices, snap.Defaults)
			printSnapshot(out, snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPrefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or edit stored per-device preferences",
	}
	cmd.AddCommand(newPrefsGetCmd(), newPrefsSetCmd())
	return cmd
}

func newPrefsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [device-id]",
		Short: "Show stored preferences",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			prefs, err := openPreferences(cfg)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := domain.ParseDeviceID(args[0])
				if err != nil {
					return err
				}
				pref, ok, err := prefs.Load(id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
				}
				printPreferences(cmd.OutOrStdout(), []domain.DevicePreference{pref})
				return nil
			}
			list, err := prefs.List()
			if err != nil {
				return err
			}
			printPreferences(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func newPrefsSetCmd() *cobra.Command {
	var (
		target  float64
		control string
		name    string
	)
	cmd := &cobra.Command{
		Use:   "set <device-id>",
		Short: "Change a stored preference; a running daemon picks it up on the next registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseDeviceID(args[0])
			if err != nil {
				return err
			}
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			prefs, err := openPreferences(cfg)
			if err != nil {
				return err
			}
			pref, ok, err := prefs.Load(id)
			if err != nil {
				return err
			}
			if !ok {
				pref = domain.DevicePreference{
					ID:             id,
					TargetVolume:   cfg.Microphone.TargetVolume,
					ControlEnabled: cfg.Microphone.ControlEnabled,
				}
			}

			if cmd.Flags().Changed("target") {
				if err := domain.CheckPercent(target); err != nil {
					return err
				}
				pref.TargetVolume = target
			}
			if cmd.Flags().Changed("control") {
				enabled, err := strconv.ParseBool(control)
				if err != nil {
					return errors.New("--control takes true or false")
				}
				pref.ControlEnabled = enabled
			}
			if cmd.Flags().Changed("name") {
				pref.Name = name
			}
			if err := prefs.Save(pref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved: %s target=%s control=%t\n", id, percentValue(pref.TargetVolume), pref.ControlEnabled)
			return nil
		},
	}
	cmd.Flags().Float64Var(&target, "target", 50, "target volume (0-100)")
	cmd.Flags().StringVar(&control, "control", "", "true/false turns volume control on or off")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update the config file",
	}
	cmd.AddCommand(newConfigGetCmd(), newConfigSetCmd())
	return cmd
}

func newConfigGetCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the effective config as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out []byte
			if asJSON {
				out, err = json.MarshalIndent(cfg, "", "  ")
				out = append(out, '\n')
			} else {
				out, err = toml.Marshal(cfg)
			}
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	var (
		target          float64
		smallHysteresis float64
		hysteresis      float64
		delay           time.Duration
		control         string
		logAdjustments  string
		backend         string
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update config values; a running daemon reloads them",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("target") {
				cfg.Microphone.TargetVolume = target
			}
			if flags.Changed("small-hysteresis") {
				cfg.Microphone.SmallHysteresis = smallHysteresis
			}
			if flags.Changed("hysteresis") {
				cfg.Microphone.Hysteresis = hysteresis
			}
			if flags.Changed("delay") {
				cfg.Microphone.AdjustDelay = config.Duration(delay)
			}
			if flags.Changed("control") {
				v, err := strconv.ParseBool(control)
				if err != nil {
					return errors.New("--control takes true or false")
				}
				cfg.Microphone.ControlEnabled = v
			}
			if flags.Changed("log-adjustments") {
				v, err := strconv.ParseBool(logAdjustments)
				if err != nil {
					return errors.New("--log-adjustments takes true or false")
				}
				cfg.Session.LogAdjustments = v
			}
			if flags.Changed("backend") {
				cfg.Backend.Kind = backend
			}
			if err := store.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s: target=%s hysteresis=%s/%s delay=%s\n",
				store.Path(),
				percentValue(cfg.Microphone.TargetVolume),
				percentValue(cfg.Microphone.SmallHysteresis),
				percentValue(cfg.Microphone.Hysteresis),
				cfg.Microphone.AdjustDelay.Duration())
			return nil
		},
	}
	cmd.Flags().Float64Var(&target, "target", config.DefaultVolume, "default microphone target (0-100)")
	cmd.Flags().Float64Var(&smallHysteresis, "small-hysteresis", 1, "drift ignored entirely, in percentage points")
	cmd.Flags().Float64Var(&hysteresis, "hysteresis", 5, "drift that triggers a correction, in percentage points")
	cmd.Flags().DurationVar(&delay, "delay", config.DefaultAdjustDelay, "how long drift must settle before correcting, e.g. 5s")
	cmd.Flags().StringVar(&control, "control", "", "true/false: control flag for newly seen devices")
	cmd.Flags().StringVar(&logAdjustments, "log-adjustments", "", "true/false: log each session volume change")
	cmd.Flags().StringVar(&backend, "backend", "", "simulator, applescript or none")
	return cmd
}

func newDecideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <process> <current-volume>",
		Short: "Show what the session policy does to a process at a given volume (0-100)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("current volume: %w", err)
			}
			if err := domain.CheckPercent(current); err != nil {
				return err
			}
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			table, err := policyTable(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pol, ok := table.PolicyFor(domain.ProcessInfo{Name: args[0]})
			if !ok {
				fmt.Fprintf(out, "%s: no policy, volume stays at %s\n", args[0], percentValue(current))
				return nil
			}
			scalar := domain.PercentToScalar(current)
			if pol.Strategy.ShouldApply(scalar, pol.Volume) {
				fmt.Fprintf(out, "%s: %s sets %s -> %s\n", args[0], pol.Strategy, percentValue(current), percentValue(domain.ScalarToPercent(pol.Volume)))
			} else {
				fmt.Fprintf(out, "%s: %s leaves %s unchanged\n", args[0], pol.Strategy, percentValue(current))
			}
			return nil
		},
	}
	return cmd
}

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Set the recording device to its target volume now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			if err := rt.engine.ApplyNow(ctx); err != nil {
				return err
			}
			printMicrophone(cmd.OutOrStdout(), rt.engine.Snapshot().Microphone)
			return nil
		},
	}
}
