package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"Tapline/mcp"
	"Tapline/pkg/grabber"
	"Tapline/pkg/inject"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	configPath string
	deviceFlag string
	logLevel   string
	jsonOutput bool

	sessionLimit int
	actionLimit  int
	logLines     int
	forceInit    bool
)

func main() {
	// Load .env file if present (silently ignore if not found)
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tapline",
		Short: "Drive the damai ticket funnel on an Android device over ADB",
		Long: `tapline watches the widget tree of a connected Android device and walks
the damai purchase funnel: date, price and quantity selection, order
submission, and hand-off at the payment page.

Configuration is read from ~/.tapline/config.json (or --config) and can be
overridden with TAPLINE_* variables, also from a .env file.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.tapline/config.json)")
	rootCmd.PersistentFlags().StringVarP(&deviceFlag, "device", "d", "", "Device serial (default: the only online device)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessions,
	}
	sessionsCmd.Flags().IntVarP(&sessionLimit, "limit", "n", 20, "Maximum number of sessions")

	actionsCmd := &cobra.Command{
		Use:   "actions <session-id>",
		Short: "Show the inputs recorded for a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runActions,
	}
	actionsCmd.Flags().IntVarP(&actionLimit, "limit", "n", 0, "Maximum number of actions (0 = all)")

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the log file (needs logToFile)",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")

	rootCmd.AddCommand(
		&cobra.Command{Use: "run", Short: "Run one purchase session; Ctrl-C stops it", Args: cobra.NoArgs, RunE: runSession},
		&cobra.Command{Use: "devices", Short: "List connected devices", Args: cobra.NoArgs, RunE: runDevices},
		&cobra.Command{Use: "pin [serial]", Short: "Prefer a device when several are online; no argument unpins", Args: cobra.MaximumNArgs(1), RunE: runPin},
		&cobra.Command{Use: "dump", Short: "Print the current widget tree", Args: cobra.NoArgs, RunE: runDump},
		&cobra.Command{Use: "find <selector>", Short: "Find nodes, e.g. \"Button[text='立即购买']\"", Args: cobra.ExactArgs(1), RunE: runFind},
		&cobra.Command{Use: "path <query>", Short: "Resolve a class path, e.g. \"LinearLayout/TextView\"", Args: cobra.ExactArgs(1), RunE: runPath},
		&cobra.Command{Use: "tap <x> <y>", Short: "Tap a screen point", Args: cobra.ExactArgs(2), RunE: runTap},
		&cobra.Command{Use: "swipe <x0> <y0> <x1> <y1> [ms]", Short: "Drag between two points", Args: cobra.RangeArgs(4, 5), RunE: runSwipe},
		&cobra.Command{Use: "text <text>", Short: "Type ASCII text", Args: cobra.ExactArgs(1), RunE: runText},
		&cobra.Command{Use: "key <code>", Short: "Press an Android key code", Args: cobra.ExactArgs(1), RunE: runKey},
		&cobra.Command{Use: "export <session-id> <file>", Short: "Export a session (.json, .br or .zst)", Args: cobra.ExactArgs(2), RunE: runExport},
		&cobra.Command{Use: "rm <session-id>", Short: "Delete a stored session", Args: cobra.ExactArgs(1), RunE: runRemove},
		&cobra.Command{Use: "import <file>", Short: "Import an exported session", Args: cobra.ExactArgs(1), RunE: runImport},
		&cobra.Command{Use: "mcp", Short: "Serve the MCP protocol on stdio", Args: cobra.NoArgs, RunE: runMCP},
		sessionsCmd,
		actionsCmd,
		logsCmd,
		initCmd,
	)
	return rootCmd
}

// loadApp reads the configuration, sets up logging and opens the store
func loadApp() (*App, error) {
	path := configPath
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, warnings, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	ApplyEnv(&cfg, nil)
	if deviceFlag != "" {
		cfg.DeviceID = deviceFlag
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logCfg := DefaultLogConfig()
	if cfg.LogToFile {
		logCfg = PersistentLogConfig(cfg.DataDir)
	}
	logCfg.Level = ParseLogLevel(cfg.LogLevel)
	if err := InitLogger(logCfg); err != nil {
		return nil, err
	}
	for _, w := range warnings {
		LogWarn("config").Str("path", path).Msg(w)
	}

	app := NewApp(cfg, path, Version)
	if err := app.Open(); err != nil {
		return nil, err
	}
	return app, nil
}

// withApp runs fn with an opened App and shuts it down afterwards
func withApp(fn func(ctx context.Context, app *App) error) error {
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer CloseLogger()
	defer app.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, app)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ========================================
// Commands
// ========================================

func runSession(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		if err := app.WatchConfig(); err != nil {
			LogWarn("config").Err(err).Msg("Config hot reload disabled")
		}
		serial, err := app.ConnectDevice(ctx)
		if err != nil {
			return err
		}

		app.OnStatus(func(ev grabber.StatusEvent) {
			line := string(ev.Signal)
			if ev.Message != "" {
				line += ": " + ev.Message
			}
			fmt.Fprintln(os.Stderr, "→", line)
		})

		id, err := app.StartSession(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "→ Session %s on %s (Ctrl-C to stop)\n", id, serial)

		// The first Ctrl-C stops the session; WaitSession must outlive ctx
		go func() {
			<-ctx.Done()
			app.StopSession()
		}()
		res, err := app.WaitSession(context.Background())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Outcome: %s\nReason: %s\nCycles: %d, purchase attempts: %d, duration: %s\n",
			res.Outcome, res.Reason, res.Cycles, res.Attempts, res.Duration.Round(time.Millisecond))
		if res.Outcome == grabber.OutcomeError {
			return fmt.Errorf("session failed: %v", res.Err)
		}
		return nil
	})
}

func runDevices(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		devices, err := app.GetDevices(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(devices)
		}
		if len(devices) == 0 {
			fmt.Println("No devices connected")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tMODEL\tTYPE\tPINNED")
		for _, d := range devices {
			pinned := ""
			if d.IsPinned {
				pinned = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.State, d.Model, d.Type, pinned)
		}
		return w.Flush()
	})
}

func runPin(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		serial := ""
		if len(args) == 1 {
			serial = args[0]
		}
		return app.PinDevice(serial)
	})
}

func runDump(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		h, err := app.GetUIHierarchy(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(h)
		}
		if h.Activity != "" {
			fmt.Println("Activity:", h.Activity)
		}
		fmt.Print(h.Text)
		return nil
	})
}

func printNodes(nodes []*UINode) error {
	if jsonOutput {
		return printJSON(nodes)
	}
	if len(nodes) == 0 {
		fmt.Println("No matching nodes")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLASS\tID\tTEXT\tBOUNDS\tCLICKABLE")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%q\t%s\t%v\n", n.Class, n.ID, n.Text, n.Bounds, n.Clickable)
	}
	return w.Flush()
}

func runFind(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		nodes, err := app.FindElements(ctx, args[0])
		if err != nil {
			return err
		}
		return printNodes(nodes)
	})
}

func runPath(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		nodes, err := app.ResolvePath(ctx, args[0])
		if err != nil {
			return err
		}
		return printNodes(nodes)
	})
}

func parseFloats(args []string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		out[i] = v
	}
	return out, nil
}

func runTap(cmd *cobra.Command, args []string) error {
	p, err := parseFloats(args)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, app *App) error {
		return app.Tap(ctx, p[0], p[1])
	})
}

func runSwipe(cmd *cobra.Command, args []string) error {
	p, err := parseFloats(args)
	if err != nil {
		return err
	}
	durationMs := 300
	if len(p) == 5 {
		durationMs = int(p[4])
	}
	return withApp(func(ctx context.Context, app *App) error {
		return app.Swipe(ctx, p[0], p[1], p[2], p[3], durationMs)
	})
}

func runText(cmd *cobra.Command, args []string) error {
	for _, r := range args[0] {
		if _, _, ok := inject.KeyForRune(r); !ok {
			return fmt.Errorf("character %q cannot be typed", r)
		}
	}
	return withApp(func(ctx context.Context, app *App) error {
		return app.InputText(ctx, args[0])
	})
}

func runKey(cmd *cobra.Command, args []string) error {
	code, err := strconv.Atoi(args[0])
	if err != nil || code < 0 {
		return fmt.Errorf("invalid key code %q", args[0])
	}
	return withApp(func(ctx context.Context, app *App) error {
		return app.InputKey(ctx, code)
	})
}

func runSessions(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		sessions, err := app.ListSessions(deviceFlag, sessionLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(sessions)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEVICE\tSTARTED\tTARGET\tOUTCOME\tCYCLES\tATTEMPTS\tMESSAGE")
		for _, s := range sessions {
			outcome := s.Outcome
			if s.Active() {
				outcome = "running"
			}
			target := s.Meta("workflow.targetQuantity")
			if target == "" {
				target = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				s.ID, s.DeviceID, time.UnixMilli(s.StartedAt).Format("2006-01-02 15:04:05"),
				target, outcome, s.Cycles, s.Attempts, s.Message)
		}
		return w.Flush()
	})
}

func runActions(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		actions, err := app.GetSessionActions(args[0], actionLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(actions)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPAGE\tKIND\tTARGET\tX\tY\tOK")
		for _, a := range actions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f\t%.0f\t%v\n",
				a.Time.Format("15:04:05.000"), a.PageName, a.Kind, a.Target, a.X, a.Y, a.OK)
		}
		return w.Flush()
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		path, err := app.ExportSessionToPath(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		id, err := app.ImportSessionFromPath(args[0])
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		return app.DeleteSession(args[0])
	})
}

func runMCP(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol; logs go to stderr and the log file
	app, err := loadApp()
	if err != nil {
		return err
	}
	defer CloseLogger()
	defer app.Shutdown()

	if err := app.WatchConfig(); err != nil {
		LogWarn("config").Err(err).Msg("Config hot reload disabled")
	}
	return mcp.NewMCPServer(app).Start()
}

func runLogs(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *App) error {
		if GetLogFilePath() == "" {
			return fmt.Errorf("file logging is off, set logToFile in %s", app.configPath)
		}
		lines, err := ReadRecentLogs(logLines)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "#", GetLogFilePath())
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	})
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := SaveConfig(path, DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Println(path)
	return nil
}
