package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wailsapp/wails/v3/pkg/application"

	"go.aimuz.me/macro/capture"
	"go.aimuz.me/macro/catalog"
	"go.aimuz.me/macro/config"
	"go.aimuz.me/macro/permission"
	"go.aimuz.me/macro/supervisor"
)

// PollInterval is how often finished workers are reaped.
const PollInterval = 100 * time.Millisecond

// Service runs the supervisor behind the tray menu.
// This struct focuses on orchestration; record and play logic live in the workers.
type Service struct {
	cfgPath string
	logger  *slog.Logger

	cfgMu sync.Mutex
	cfg   *config.Config

	catalog *catalog.Catalog
	sup     *supervisor.Supervisor

	// UI references - set via Init
	app  *application.App
	tray *application.SystemTray

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	// Version info (set by caller)
	version string
}

// New creates a new Service. Call Init() after the Wails app is created.
func New(version, cfgPath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfgPath: cfgPath,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		version: version,
	}
}

// GetVersion returns the application version.
func (s *Service) GetVersion() string {
	return s.version
}

// Init loads the configuration, builds the supervisor and starts the
// background loops. Must be called after the Wails application is created.
func (s *Service) Init(app *application.App, tray *application.SystemTray) error {
	s.app = app
	s.tray = tray

	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg
	km, err := cfg.Keymap()
	if err != nil {
		return err
	}
	persist, err := cfg.PersistPolicy()
	if err != nil {
		return err
	}

	s.setupCatalog()

	opts := supervisor.Options{
		Spawner:       &supervisor.ExecSpawner{Logger: s.logger},
		Prompter:      &dialogPrompter{app: app},
		Keymap:        km,
		Playback:      cfg.PlaybackOptions(),
		Persist:       persist,
		RecordingsDir: cfg.RecordingsDir(),
		Logger:        s.logger,
		OnChange:      s.onChange,
		OnError:       s.report,
	}
	if s.catalog != nil {
		opts.Catalog = s.catalog
	}
	s.sup = supervisor.New(opts)

	if tray != nil {
		tray.SetIcon(trayIcon)
	}

	s.goLoop(s.poll)
	s.setupHotkey()
	s.goLoop(s.watchConfig)

	s.onChange(s.sup.View())
	return nil
}

// Shutdown stops the background loops, kills live workers and closes the
// catalog. It is safe to call more than once.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() {
		s.cancel()
		if s.sup != nil {
			s.sup.Shutdown()
		}
		s.wg.Wait()
		if s.catalog != nil {
			if err := s.catalog.Close(); err != nil {
				s.logger.Error("close catalog", "error", err)
			}
		}
	})
}

func (s *Service) setupCatalog() {
	dir := s.cfg.CatalogDir()
	c, err := catalog.Open(dir)
	if err != nil {
		s.logger.Error("open catalog", "path", dir, "error", err)
		return
	}
	s.catalog = c
	if n, err := c.Prune(); err != nil {
		s.logger.Warn("prune catalog", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned missing recordings", "count", n)
	}
	s.logger.Info("catalog initialized", "path", dir)
}

func (s *Service) setupHotkey() {
	if st := permission.Request(); !st.Granted() {
		s.logger.Warn("input permissions missing; recordings will be empty until granted", "missing", st.Missing())
	}
	s.emit(EventAccessibilityPerm, permission.Check())

	src := &capture.HookSource{Logger: s.logger}
	inputs, err := src.Start(s.ctx)
	if err != nil {
		s.logger.Warn("global hotkeys unavailable", "error", err)
		return
	}
	s.logger.Info("global hotkeys enabled")

	s.goLoop(func(ctx context.Context) {
		for in := range inputs {
			s.sup.HandleInput(ctx, in)
		}
	})
}

func (s *Service) goLoop(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) poll(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sup.PollWorkerStatus()
		}
	}
}

func (s *Service) watchConfig(ctx context.Context) {
	path := s.cfg.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("config watcher", "error", err)
		return
	}
	if err := config.Watch(ctx, path, s.logger, s.applyConfig); err != nil {
		s.logger.Warn("config watcher", "error", err)
	}
}

// applyConfig re-applies the keymap and playback settings of a reloaded
// config.
func (s *Service) applyConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	if km, err := cfg.Keymap(); err == nil {
		s.sup.SetKeymap(km)
	}
	opts := cfg.PlaybackOptions()
	s.report("apply speed", s.sup.SetSpeed(opts.Speed))
	s.report("apply repeat count", s.sup.SetRepeatCount(opts.RepeatCount))
	s.report("apply repeat interval", s.sup.SetRepeatInterval(opts.RepeatInterval))
}

func (s *Service) onChange(v supervisor.View) {
	s.emit(EventState, newStateEvent(v))
	s.refreshMenu(v)
}

// emit is a safe wrapper around app.Event.Emit
func (s *Service) emit(name string, data any) {
	if s.app != nil {
		s.app.Event.Emit(name, data)
	}
}

// report logs a failed operation and forwards it to the frontend.
func (s *Service) report(op string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, supervisor.ErrConflict) {
		s.logger.Warn(op, "error", err)
	} else {
		s.logger.Error(op, "error", err)
	}
	s.emit(EventError, ErrorEvent{Op: op, Error: err.Error()})
}

// async runs fn off the caller's goroutine; menu callbacks must not block
// on worker shutdown or dialogs.
func (s *Service) async(op string, fn func() error) {
	go func() {
		s.report(op, fn())
	}()
}

// ─────────────────────────────────────────────────────────────────────────────
// Recording & Playback
// ─────────────────────────────────────────────────────────────────────────────

// GetPermissions returns the input grants held by the process.
func (s *Service) GetPermissions() permission.Status {
	return permission.Check()
}

// GetState returns the current supervisor state.
func (s *Service) GetState() StateEvent {
	return newStateEvent(s.sup.View())
}

// ToggleRecording starts or stops a recording.
func (s *Service) ToggleRecording() error {
	return s.sup.ToggleRecording(s.ctx)
}

// TogglePlayback starts or stops playback of the loaded recording.
func (s *Service) TogglePlayback() error {
	return s.sup.TogglePlayback(s.ctx)
}

// LoadRecording selects the recording at path for playback.
func (s *Service) LoadRecording(path string) error {
	seq, err := s.sup.Load(path)
	if err != nil {
		return err
	}
	if s.catalog != nil {
		if _, err := s.catalog.Add(path, seq); err != nil {
			s.logger.Warn("catalog recording", "path", path, "error", err)
		}
		s.refreshMenu(s.sup.View())
	}
	return nil
}

// ChooseRecording asks for a recording file and loads it.
func (s *Service) ChooseRecording() error {
	s.cfgMu.Lock()
	dir := s.cfg.RecordingsDir()
	s.cfgMu.Unlock()

	path, err := chooseRecording(s.app, dir)
	if err != nil || path == "" {
		return err
	}
	return s.LoadRecording(path)
}

// UnloadRecording clears the loaded recording.
func (s *Service) UnloadRecording() error {
	return s.sup.Unload()
}

// ─────────────────────────────────────────────────────────────────────────────
// Playback Settings
// ─────────────────────────────────────────────────────────────────────────────

// SetSpeed sets the playback speed and saves it.
func (s *Service) SetSpeed(speed float64) error {
	if err := s.sup.SetSpeed(speed); err != nil {
		return err
	}
	return s.saveSettings()
}

// SetRepeatCount sets the number of passes and saves it.
func (s *Service) SetRepeatCount(n int) error {
	if err := s.sup.SetRepeatCount(n); err != nil {
		return err
	}
	return s.saveSettings()
}

// SetRepeatInterval sets the pause between passes and saves it.
func (s *Service) SetRepeatInterval(seconds float64) error {
	if err := s.sup.SetRepeatInterval(time.Duration(seconds * float64(time.Second))); err != nil {
		return err
	}
	return s.saveSettings()
}

func (s *Service) saveSettings() error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.SetPlaybackOptions(s.sup.View().Playback)
	if err := s.cfg.Save(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Dialogs
// ─────────────────────────────────────────────────────────────────────────────

// dialogPrompter asks for a save destination with the native dialog.
type dialogPrompter struct {
	app *application.App
}

func (p *dialogPrompter) SaveRecording(_ context.Context, suggested string) (string, error) {
	dir := filepath.Dir(suggested)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	d := p.app.Dialog.SaveFile()
	d.SetDirectory(dir)
	d.SetFilename(filepath.Base(suggested))
	d.AddFilter("Recordings", "*.json")
	d.CanCreateDirectories(true)
	path, err := d.PromptForSingleSelection()
	if err != nil {
		return "", err
	}
	return withJSONExt(path), nil
}

func chooseRecording(app *application.App, dir string) (string, error) {
	d := app.Dialog.OpenFile()
	if _, err := os.Stat(dir); err == nil {
		d.SetDirectory(dir)
	}
	d.AddFilter("Recordings", "*.json")
	d.CanChooseFiles(true)
	return d.PromptForSingleSelection()
}

// withJSONExt appends .json to a chosen path without an extension. An
// empty path stays empty.
func withJSONExt(path string) string {
	if path == "" || filepath.Ext(path) != "" {
		return path
	}
	return path + ".json"
}
