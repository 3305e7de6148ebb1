package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app is registered.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed wraps errors collected while applying launcher options.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-lived component of the relay process, such as the HTTP
// server or the heartbeat scheduler.
//
//go:generate mockgen --destination=app_mock.go --package=relay . App
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers app under name. Registration errors surface from
// RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs every registered App concurrently and waits for all of them.
type Launcher struct {
	Logger log.Logger

	mu           sync.Mutex
	apps         map[string]App
	configErrors []error
}

// NewLauncher builds a Launcher from opts.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Add registers an app.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if nilcheck.Interface(a) {
		return ErrNilApp
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	l.apps[appName] = a

	return nil
}

// RunWithError starts all apps and blocks until each returns. App failures
// are logged and joined into the returned error.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if nilcheck.Interface(l.Logger) {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	l.mu.Lock()
	apps := make(map[string]App, len(l.apps))
	for name, app := range l.apps {
		apps[name] = app
	}
	l.mu.Unlock()

	ctx := context.Background()

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(apps)))

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		failures []error
	)

	wg.Add(len(apps))

	for name, app := range apps {
		runtime.SafeGoWithContextAndComponent(ctx, l.Logger, "launcher", "run_app_"+name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer wg.Done()

				l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

				if err := app.Run(l); err != nil {
					l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))

					errMu.Lock()
					failures = append(failures, fmt.Errorf("app %q: %w", name, err))
					errMu.Unlock()
				}

				l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
			},
		)
	}

	wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	return errors.Join(failures...)
}

// Run is RunWithError with the error logged instead of returned.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil && l != nil && !nilcheck.Interface(l.Logger) {
		l.Logger.Log(context.Background(), log.LevelError, "launcher error", log.Err(err))
	}
}
