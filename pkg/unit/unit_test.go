package unit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sierrors "github.com/core-tools/hsu-sysinit/pkg/errors"
	"github.com/core-tools/hsu-sysinit/pkg/unit"
	"github.com/core-tools/hsu-sysinit/pkg/unit/unittest"
)

const workDir = "/srv/web"

type fixture struct {
	unit     *unit.Unit
	spawner  *unittest.FakeSpawner
	exists   *unittest.Exists
	recorder *unittest.Recorder
}

func newFixture(t *testing.T, mutate ...func(*unit.Definition)) *fixture {
	t.Helper()

	def := unit.Definition{
		Name:       "web",
		ExecStart:  "/usr/bin/web --port 8080",
		WorkingDir: workDir,
	}
	for _, m := range mutate {
		m(&def)
	}

	f := &fixture{
		spawner:  unittest.NewFakeSpawner(),
		exists:   unittest.NewExists(workDir),
		recorder: &unittest.Recorder{},
	}
	f.unit = unit.New(def, unit.Options{
		Spawner:         f.spawner,
		PathExists:      f.exists.Check,
		GracefulTimeout: 3 * time.Second,
		Observer:        f.recorder,
	}, nil)
	return f
}

func (f *fixture) loaded(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, f.unit.Load())
	return f
}

func assertHandleInvariant(t *testing.T, u *unit.Unit) {
	t.Helper()
	running := u.State() == unit.StateRunning
	assert.Equal(t, running, u.HasHandle(), "handle must be attached iff running (state %s)", u.State())
	assert.Equal(t, running, u.Status().PID != 0)
}

func TestUnit_InitialState(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, unit.StateUnloaded, f.unit.State())
	assert.Equal(t, "web", f.unit.Name())
	assert.False(t, f.unit.Enabled())
	assertHandleInvariant(t, f.unit)
}

func TestUnit_Load(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*unit.Definition)
		expectError   bool
		expectedState unit.State
	}{
		{
			name:          "valid_definition",
			mutate:        func(d *unit.Definition) {},
			expectedState: unit.StateLoaded,
		},
		{
			name:          "empty_exec_start",
			mutate:        func(d *unit.Definition) { d.ExecStart = "  " },
			expectError:   true,
			expectedState: unit.StateUnloaded,
		},
		{
			name:          "missing_working_dir",
			mutate:        func(d *unit.Definition) { d.WorkingDir = "/nope" },
			expectError:   true,
			expectedState: unit.StateUnloaded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate)

			err := f.unit.Load()
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, errors.Is(err, sierrors.ErrInvalidDefinition))
				assert.Equal(t, "web", sierrors.UnitName(err))
				assert.Equal(t, err, f.unit.LastError())
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expectedState, f.unit.State())
			assertHandleInvariant(t, f.unit)
		})
	}
}

func TestUnit_LoadIsIdempotent(t *testing.T) {
	f := newFixture(t).loaded(t)
	require.NoError(t, f.unit.Enable())

	require.NoError(t, f.unit.Load())
	assert.Equal(t, unit.StateEnabled, f.unit.State())

	require.NoError(t, f.unit.Disable())
	require.NoError(t, f.unit.Load())
	assert.Equal(t, unit.StateDisabled, f.unit.State())
}

func TestUnit_EnableDisable(t *testing.T) {
	t.Run("requires_load", func(t *testing.T) {
		f := newFixture(t)

		assert.True(t, errors.Is(f.unit.Enable(), sierrors.ErrNotLoaded))
		assert.True(t, errors.Is(f.unit.Disable(), sierrors.ErrNotLoaded))
		assert.Equal(t, unit.StateUnloaded, f.unit.State())
	})

	t.Run("toggle_restores_intent", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		before := f.unit.Enabled()

		require.NoError(t, f.unit.Enable())
		assert.True(t, f.unit.Enabled())
		assert.Equal(t, unit.StateEnabled, f.unit.State())

		require.NoError(t, f.unit.Disable())
		assert.Equal(t, before, f.unit.Enabled())
		assert.Equal(t, unit.StateDisabled, f.unit.State())
	})

	t.Run("running_unit_keeps_running", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		require.NoError(t, f.unit.Start(context.Background()))
		pid := f.unit.Status().PID

		require.NoError(t, f.unit.Disable())
		assert.Equal(t, unit.StateRunning, f.unit.State())
		assert.False(t, f.unit.Enabled())
		assert.Equal(t, pid, f.unit.Status().PID)
		assert.Equal(t, 0, f.spawner.Last("web").Terminations())

		require.NoError(t, f.unit.Enable())
		assert.Equal(t, unit.StateRunning, f.unit.State())
		assert.True(t, f.unit.Enabled())
		assertHandleInvariant(t, f.unit)
	})

	t.Run("stopped_unit_stays_stopped", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		ctx := context.Background()
		require.NoError(t, f.unit.Start(ctx))
		require.NoError(t, f.unit.Stop(ctx))

		require.NoError(t, f.unit.Enable())
		assert.Equal(t, unit.StateStopped, f.unit.State())
		assert.Len(t, f.spawner.Spawned("web"), 1)
	})
}

func TestUnit_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("from_each_startable_state", func(t *testing.T) {
		prepare := map[string]func(*fixture){
			"loaded":   func(f *fixture) {},
			"enabled":  func(f *fixture) { _ = f.unit.Enable() },
			"disabled": func(f *fixture) { _ = f.unit.Disable() },
			"stopped": func(f *fixture) {
				_ = f.unit.Start(ctx)
				_ = f.unit.Stop(ctx)
			},
			"failed": func(f *fixture) {
				f.spawner.FailWith("web", errors.New("boom"))
				_ = f.unit.Start(ctx)
				f.spawner.FailWith("web", nil)
			},
		}

		for name, setup := range prepare {
			t.Run(name, func(t *testing.T) {
				f := newFixture(t).loaded(t)
				setup(f)
				require.Equal(t, unit.State(name), f.unit.State())

				require.NoError(t, f.unit.Start(ctx))
				assert.Equal(t, unit.StateRunning, f.unit.State())
				assert.Nil(t, f.unit.LastError())
				assertHandleInvariant(t, f.unit)
			})
		}
	})

	t.Run("idempotent_when_running", func(t *testing.T) {
		f := newFixture(t).loaded(t)

		require.NoError(t, f.unit.Start(ctx))
		pid := f.unit.Status().PID

		require.NoError(t, f.unit.Start(ctx))
		assert.Equal(t, unit.StateRunning, f.unit.State())
		assert.Equal(t, pid, f.unit.Status().PID)
		assert.Len(t, f.spawner.Spawned("web"), 1)
	})

	t.Run("spawn_failure_marks_failed", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		f.spawner.FailWith("web", errors.New("exec: not found"))

		err := f.unit.Start(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sierrors.ErrSpawn))
		assert.Equal(t, unit.StateFailed, f.unit.State())
		assert.Equal(t, err, f.unit.LastError())
		assertHandleInvariant(t, f.unit)
	})

	t.Run("unloaded_unit_is_loaded_first", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.unit.Start(ctx))
		assert.Equal(t, unit.StateRunning, f.unit.State())
	})

	t.Run("invalid_definition_marks_failed", func(t *testing.T) {
		f := newFixture(t, func(d *unit.Definition) { d.WorkingDir = "/missing" })

		err := f.unit.Start(ctx)
		assert.True(t, errors.Is(err, sierrors.ErrInvalidDefinition))
		assert.Equal(t, unit.StateFailed, f.unit.State())
		assert.Empty(t, f.spawner.Spawned("web"))
		assertHandleInvariant(t, f.unit)
	})

	t.Run("working_dir_removed_after_load", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		f.exists.Remove(workDir)

		err := f.unit.Start(ctx)
		assert.True(t, errors.Is(err, sierrors.ErrInvalidDefinition))
		assert.Equal(t, unit.StateFailed, f.unit.State())
	})

	t.Run("nil_context", func(t *testing.T) {
		f := newFixture(t).loaded(t)

		var nilCtx context.Context
		err := f.unit.Start(nilCtx)
		assert.True(t, sierrors.IsValidationError(err))
		assert.Equal(t, unit.StateLoaded, f.unit.State())
	})
}

func TestUnit_Stop(t *testing.T) {
	ctx := context.Background()

	t.Run("noop_when_not_running", func(t *testing.T) {
		for _, setup := range []func(*fixture){
			func(f *fixture) {},
			func(f *fixture) { _ = f.unit.Load() },
			func(f *fixture) { _ = f.unit.Load(); _ = f.unit.Enable() },
		} {
			f := newFixture(t)
			setup(f)
			before := f.unit.State()

			require.NoError(t, f.unit.Stop(ctx))
			assert.Equal(t, before, f.unit.State())
		}
	})

	t.Run("running_to_stopped", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		require.NoError(t, f.unit.Start(ctx))
		handle := f.spawner.Last("web")

		require.NoError(t, f.unit.Stop(ctx))
		assert.Equal(t, unit.StateStopped, f.unit.State())
		assert.Equal(t, 1, handle.Terminations())
		assert.Equal(t, []time.Duration{3 * time.Second}, handle.Graces())
		assert.Equal(t, handle.PID(), f.unit.Status().LastPID)
		assertHandleInvariant(t, f.unit)

		require.NoError(t, f.unit.Stop(ctx))
		assert.Equal(t, 1, handle.Terminations())
	})

	t.Run("definition_grace_overrides_default", func(t *testing.T) {
		f := newFixture(t, func(d *unit.Definition) { d.GracefulTimeout = time.Second }).loaded(t)
		require.NoError(t, f.unit.Start(ctx))

		require.NoError(t, f.unit.Stop(ctx))
		assert.Equal(t, []time.Duration{time.Second}, f.spawner.Last("web").Graces())
	})

	t.Run("unconfirmed_termination", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		f.spawner.SetTerminateErr(errors.New("still alive after kill"))
		require.NoError(t, f.unit.Start(ctx))

		err := f.unit.Stop(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sierrors.ErrStop))
		assert.Equal(t, unit.StateFailed, f.unit.State())
		assertHandleInvariant(t, f.unit)
	})
}

func TestUnit_Restart(t *testing.T) {
	ctx := context.Background()

	t.Run("running_unit_gets_new_process", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		require.NoError(t, f.unit.Start(ctx))
		firstPID := f.unit.Status().PID

		require.NoError(t, f.unit.Restart(ctx))
		assert.Equal(t, unit.StateRunning, f.unit.State())
		assert.NotEqual(t, firstPID, f.unit.Status().PID)
		assert.True(t, f.spawner.Spawned("web")[0].Exited())
	})

	t.Run("stopped_unit_is_started", func(t *testing.T) {
		f := newFixture(t).loaded(t)

		require.NoError(t, f.unit.Restart(ctx))
		assert.Equal(t, unit.StateRunning, f.unit.State())
	})

	t.Run("stop_failure_skips_start", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		f.spawner.SetTerminateErr(errors.New("stuck"))
		require.NoError(t, f.unit.Start(ctx))

		err := f.unit.Restart(ctx)
		assert.True(t, errors.Is(err, sierrors.ErrStop))
		assert.Len(t, f.spawner.Spawned("web"), 1)
		assert.Equal(t, unit.StateFailed, f.unit.State())
		assert.NotEqual(t, unit.StateRunning, f.unit.State())
		assertHandleInvariant(t, f.unit)
	})
}

func TestUnit_Reload(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults_to_restart", func(t *testing.T) {
		f := newFixture(t).loaded(t)
		require.NoError(t, f.unit.Start(ctx))

		require.NoError(t, f.unit.Reload(ctx))
		assert.Len(t, f.spawner.Spawned("web"), 2)
		assert.Equal(t, unit.StateRunning, f.unit.State())
	})

	t.Run("reload_signal_keeps_process", func(t *testing.T) {
		f := newFixture(t, func(d *unit.Definition) { d.ReloadSignal = "HUP" }).loaded(t)
		require.NoError(t, f.unit.Start(ctx))
		pid := f.unit.Status().PID

		require.NoError(t, f.unit.Reload(ctx))
		assert.Equal(t, pid, f.unit.Status().PID)
		assert.Equal(t, []string{"HUP"}, f.spawner.Last("web").Signals())
	})

	t.Run("reload_signal_on_stopped_unit_starts_it", func(t *testing.T) {
		f := newFixture(t, func(d *unit.Definition) { d.ReloadSignal = "HUP" }).loaded(t)

		require.NoError(t, f.unit.Reload(ctx))
		assert.Equal(t, unit.StateRunning, f.unit.State())
	})
}

func TestUnit_Unload(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t).loaded(t)
	require.NoError(t, f.unit.Start(ctx))

	err := f.unit.Unload()
	assert.True(t, errors.Is(err, sierrors.ErrUnitBusy))
	assert.Equal(t, unit.StateRunning, f.unit.State())

	require.NoError(t, f.unit.Stop(ctx))
	require.NoError(t, f.unit.Unload())
	assert.Equal(t, unit.StateUnloaded, f.unit.State())
	assertHandleInvariant(t, f.unit)

	assert.True(t, errors.Is(f.unit.Enable(), sierrors.ErrNotLoaded))
}

func TestUnit_Retire(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t).loaded(t)
	require.NoError(t, f.unit.Start(ctx))

	assert.True(t, errors.Is(f.unit.Retire(), sierrors.ErrUnitBusy), "running units cannot be retired")
	assert.False(t, f.unit.Retired())

	require.NoError(t, f.unit.Stop(ctx))
	require.NoError(t, f.unit.Retire())
	assert.True(t, f.unit.Retired())
	assert.Equal(t, unit.StateUnloaded, f.unit.State())

	// a caller still holding the unit must not bring it back
	assert.True(t, errors.Is(f.unit.Start(ctx), sierrors.ErrUnitNotFound))
	assert.True(t, errors.Is(f.unit.Restart(ctx), sierrors.ErrUnitNotFound))
	assert.True(t, errors.Is(f.unit.Reload(ctx), sierrors.ErrUnitNotFound))
	assert.True(t, errors.Is(f.unit.Load(), sierrors.ErrUnitNotFound))
	assert.True(t, errors.Is(f.unit.Enable(), sierrors.ErrUnitNotFound))
	assert.True(t, errors.Is(f.unit.Retire(), sierrors.ErrUnitNotFound))
	assert.NoError(t, f.unit.Stop(ctx))

	assert.Len(t, f.spawner.Spawned("web"), 1)
	assert.Equal(t, unit.StateUnloaded, f.unit.State())
	assertHandleInvariant(t, f.unit)
}

func TestUnit_DefinitionIsCopied(t *testing.T) {
	env := map[string]string{"MODE": "v1"}
	f := newFixture(t, func(d *unit.Definition) { d.Environment = env })

	env["MODE"] = "changed by caller"
	assert.Equal(t, "v1", f.unit.Definition().Environment["MODE"])

	def := f.unit.Definition()
	def.Environment["MODE"] = "changed by reader"
	assert.Equal(t, "v1", f.unit.Definition().Environment["MODE"])
	assert.True(t, f.unit.Definition().Equal(unit.Definition{
		Name:        "web",
		ExecStart:   "/usr/bin/web --port 8080",
		WorkingDir:  workDir,
		Environment: map[string]string{"MODE": "v1"},
	}))
}

func TestUnit_ProcessExit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name          string
		exitErr       error
		expectedState unit.State
	}{
		{name: "clean_exit", exitErr: nil, expectedState: unit.StateStopped},
		{name: "crash", exitErr: errors.New("exit status 2"), expectedState: unit.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t).loaded(t)
			require.NoError(t, f.unit.Start(ctx))

			f.spawner.Last("web").Exit(tt.exitErr)

			require.Eventually(t, func() bool {
				return f.unit.State() == tt.expectedState
			}, time.Second, 5*time.Millisecond)
			assertHandleInvariant(t, f.unit)

			// no automatic restart
			assert.Len(t, f.spawner.Spawned("web"), 1)
		})
	}
}

func TestUnit_Transitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).loaded(t)

	require.NoError(t, f.unit.Enable())
	require.NoError(t, f.unit.Start(ctx))
	require.NoError(t, f.unit.Stop(ctx))

	var pairs [][2]unit.State
	for _, tr := range f.recorder.Transitions() {
		pairs = append(pairs, [2]unit.State{tr.From, tr.To})
	}
	assert.Equal(t, [][2]unit.State{
		{unit.StateUnloaded, unit.StateLoaded},
		{unit.StateLoaded, unit.StateEnabled},
		{unit.StateEnabled, unit.StateRunning},
		{unit.StateRunning, unit.StateStopped},
	}, pairs)

	last := f.recorder.Transitions()[3]
	assert.NotZero(t, last.PID)
	assert.True(t, last.Enabled)
}

func TestUnit_ConcurrentStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t).loaded(t)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 20; j++ {
				if (i+j)%2 == 0 {
					_ = f.unit.Start(ctx)
				} else {
					_ = f.unit.Stop(ctx)
				}
				_ = f.unit.Status()
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assertHandleInvariant(t, f.unit)
	running := 0
	for _, handle := range f.spawner.Spawned("web") {
		if !handle.Exited() {
			running++
		}
	}
	if f.unit.State() == unit.StateRunning {
		assert.Equal(t, 1, running)
	} else {
		assert.Equal(t, 0, running)
	}
}
