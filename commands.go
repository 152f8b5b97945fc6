package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wailsapp/wails/v3/pkg/application"

	"go.aimuz.me/macro/capture"
	"go.aimuz.me/macro/catalog"
	"go.aimuz.me/macro/config"
	"go.aimuz.me/macro/hotkey"
	"go.aimuz.me/macro/inject"
	"go.aimuz.me/macro/internal/app"
	"go.aimuz.me/macro/internal/worker"
	"go.aimuz.me/macro/permission"
	"go.aimuz.me/macro/recorder"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "macro",
		Short:         "Record and replay global keyboard and mouse input",
		Long:          "Without a subcommand macro runs in the system tray and supervises record and play workers.",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTray(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	root.AddCommand(newRecordCmd(&cfgPath))
	root.AddCommand(newPlayCmd(&cfgPath))
	root.AddCommand(newListCmd(&cfgPath))
	root.AddCommand(newForgetCmd(&cfgPath))
	root.AddCommand(newVersionCmd())
	return root
}

func runTray(ctx context.Context, cfgPath string) error {
	slog.Info("starting app", "version", version, "commit", commit, "date", date)
	svc := app.New(version, cfgPath, slog.Default())

	a := application.New(application.Options{
		Name:        "Macro",
		Description: "Global keyboard and mouse recorder",
		Mac: application.MacOptions{
			ActivationPolicy: application.ActivationPolicyAccessory,
			// There are no windows; the tray keeps the app alive.
			ApplicationShouldTerminateAfterLastWindowClosed: false,
		},
		Services: []application.Service{
			application.NewService(svc),
		},
		OnShutdown: svc.Shutdown,
	})

	tray := a.SystemTray.New()
	if err := svc.Init(a, tray); err != nil {
		svc.Shutdown()
		return err
	}

	stop := context.AfterFunc(ctx, a.Quit)
	defer stop()
	return a.Run()
}

// workerContext is cancelled on SIGINT or SIGTERM. On Windows the
// supervisor's CTRL_BREAK arrives as os.Interrupt.
func workerContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func warnPermissions(logger *slog.Logger) {
	if st := permission.Check(); !st.Granted() {
		logger.Warn("input permissions missing", "missing", st.Missing())
	}
}

// keyFlags registers the per-action hotkey overrides passed by the
// supervisor.
func keyFlags(cmd *cobra.Command, spec *hotkey.KeymapSpec) {
	cmd.Flags().StringVar(&spec.StartRecording, "start-recording-key", "", "start recording hotkey, e.g. cmd+shift+1")
	cmd.Flags().StringVar(&spec.StopRecording, "stop-recording-key", "", "stop recording hotkey")
	cmd.Flags().StringVar(&spec.StartPlayback, "start-playback-key", "", "start playback hotkey")
	cmd.Flags().StringVar(&spec.StopPlayback, "stop-playback-key", "", "stop playback hotkey")
}

// mergeKeymap parses base with every non-empty entry of override applied.
func mergeKeymap(base, override hotkey.KeymapSpec) (hotkey.Keymap, error) {
	for _, f := range []struct{ dst, src *string }{
		{&base.StartRecording, &override.StartRecording},
		{&base.StopRecording, &override.StopRecording},
		{&base.StartPlayback, &override.StartPlayback},
		{&base.StopPlayback, &override.StopPlayback},
	} {
		if *f.src != "" {
			*f.dst = *f.src
		}
	}
	return base.Parse()
}

func newRecordCmd(cfgPath *string) *cobra.Command {
	var (
		immediate bool
		persist   string
		keys      hotkey.KeymapSpec
	)
	cmd := &cobra.Command{
		Use:   "record <dest>",
		Short: "Record global input into a file",
		Long:  "Record waits for the start-recording hotkey unless --immediate is set, and stops on the stop-recording hotkey, SIGINT or SIGTERM.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			km, err := mergeKeymap(cfg.Hotkeys, keys)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("persist") {
				persist = cfg.Recording.Persist
			}
			policy, err := recorder.ParsePersistPolicy(persist)
			if err != nil {
				return err
			}

			ctx, stop := workerContext(cmd.Context())
			defer stop()

			logger := slog.Default().With("worker", "record", "pid", os.Getpid())
			warnPermissions(logger)
			sum, err := worker.Record(ctx, worker.RecordOptions{
				Path:      args[0],
				Keymap:    km,
				Immediate: immediate,
				Persist:   policy,
				Source:    &capture.HookSource{Logger: logger},
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			logger.Info("recording finished", "path", sum.Path, "events", sum.Events, "empty", sum.Empty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "start recording without waiting for the start hotkey")
	cmd.Flags().StringVar(&persist, "persist", recorder.PersistOnStop.String(), "when to write the file: on-stop or every-event")
	keyFlags(cmd, &keys)
	return cmd
}

func newPlayCmd(cfgPath *string) *cobra.Command {
	var (
		immediate      bool
		speed          float64
		repeatCount    int
		repeatInterval float64
		keys           hotkey.KeymapSpec
	)
	cmd := &cobra.Command{
		Use:   "play <src>",
		Short: "Replay a recording",
		Long:  "Play waits for the start-playback hotkey unless --immediate is set, and stops on the stop-playback hotkey, SIGINT or SIGTERM.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			km, err := mergeKeymap(cfg.Hotkeys, keys)
			if err != nil {
				return err
			}
			opts := cfg.PlaybackOptions()
			flags := cmd.Flags()
			if flags.Changed("speed") {
				opts.Speed = speed
			}
			if flags.Changed("repeat-count") {
				opts.RepeatCount = repeatCount
			}
			if flags.Changed("repeat-interval") {
				opts.RepeatInterval = time.Duration(repeatInterval * float64(time.Second))
			}

			ctx, stop := workerContext(cmd.Context())
			defer stop()

			logger := slog.Default().With("worker", "play", "pid", os.Getpid())
			warnPermissions(logger)
			res, err := worker.Play(ctx, worker.PlayOptions{
				Path:      args[0],
				Keymap:    km,
				Immediate: immediate,
				Playback:  opts,
				Source:    &capture.HookSource{Logger: logger},
				Injector:  inject.NewRobot(),
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			logger.Info("playback finished",
				"passes", res.Passes, "emitted", res.Emitted, "failed", res.Failed, "cancelled", res.Cancelled)
			return nil
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "start playback without waiting for the start hotkey")
	cmd.Flags().Float64Var(&speed, "speed", 1, "playback speed multiplier")
	cmd.Flags().IntVar(&repeatCount, "repeat-count", 1, "number of passes, 0 repeats until stopped")
	cmd.Flags().Float64Var(&repeatInterval, "repeat-interval", 0, "seconds to wait between passes")
	keyFlags(cmd, &keys)
	return cmd
}

func newListCmd(cfgPath *string) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved recordings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			c, err := catalog.Open(cfg.CatalogDir())
			if err != nil {
				return fmt.Errorf("%w (quit the tray app first)", err)
			}
			defer c.Close()

			if prune {
				n, err := c.Prune()
				if err != nil {
					return err
				}
				slog.Info("pruned missing recordings", "count", n)
			}
			entries, err := c.List()
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "drop entries whose file no longer exists")
	return cmd
}

func printEntries(w io.Writer, entries []catalog.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no recordings")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEVENTS\tDURATION\tSAVED\tPATH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.Name, e.Events,
			e.Duration().Round(time.Millisecond),
			e.SavedAt.Local().Format(time.DateTime),
			filepath.Clean(e.Path))
	}
	return tw.Flush()
}

func newForgetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>",
		Short: "Remove a recording from the list; the file is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			c, err := catalog.Open(cfg.CatalogDir())
			if err != nil {
				return fmt.Errorf("%w (quit the tray app first)", err)
			}
			defer c.Close()

			e, err := c.Get(args[0])
			if err != nil {
				return err
			}
			if err := c.Delete(e.ID); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "forgot %s (%s)\n", e.Name, e.Path)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "macro %s (%s, %s)\n", version, commit, date)
			return err
		},
	}
}
