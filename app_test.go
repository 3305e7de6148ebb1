//go:build unit

package relay

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/LerianStudio/outbox-relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type stubApp struct {
	err  error
	runs atomic.Int32
}

func (s *stubApp) Run(_ *Launcher) error {
	s.runs.Add(1)
	return s.err
}

func TestLauncher_Add(t *testing.T) {
	t.Parallel()

	t.Run("nil_receiver", func(t *testing.T) {
		t.Parallel()

		var l *Launcher
		assert.ErrorIs(t, l.Add("app", &stubApp{}), ErrNilLauncher)
	})

	t.Run("nil_app", func(t *testing.T) {
		t.Parallel()

		var app *stubApp
		assert.ErrorIs(t, NewLauncher().Add("app", app), ErrNilApp)
	})

	t.Run("blank_name", func(t *testing.T) {
		t.Parallel()

		assert.ErrorIs(t, NewLauncher().Add("  ", &stubApp{}), ErrEmptyApp)
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		assert.NoError(t, NewLauncher().Add("heartbeat", &stubApp{}))
	})
}

func TestLauncher_RunWithError(t *testing.T) {
	t.Parallel()

	t.Run("requires_logger", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher(RunApp("server", &stubApp{}))
		assert.ErrorIs(t, l.RunWithError(), ErrLoggerNil)
	})

	t.Run("surfaces_config_errors", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher(WithLogger(log.NewNop()), RunApp("", &stubApp{}))

		err := l.RunWithError()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfigFailed)
		assert.ErrorIs(t, err, ErrEmptyApp)
	})

	t.Run("runs_every_app", func(t *testing.T) {
		t.Parallel()

		server, scheduler := &stubApp{}, &stubApp{}
		l := NewLauncher(
			WithLogger(log.NewNop()),
			RunApp("server", server),
			RunApp("scheduler", scheduler),
		)

		require.NoError(t, l.RunWithError())
		assert.Equal(t, int32(1), server.runs.Load())
		assert.Equal(t, int32(1), scheduler.runs.Load())
	})

	t.Run("passes_launcher_to_app", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		app := NewMockApp(ctrl)

		l := NewLauncher(WithLogger(log.NewNop()), RunApp("server", app))
		app.EXPECT().Run(l).Return(nil).Times(1)

		require.NoError(t, l.RunWithError())
	})

	t.Run("joins_app_errors", func(t *testing.T) {
		t.Parallel()

		errBoom := errors.New("boom")
		l := NewLauncher(WithLogger(log.NewNop()), RunApp("server", &stubApp{err: errBoom}))

		assert.ErrorIs(t, l.RunWithError(), errBoom)
	})
}
