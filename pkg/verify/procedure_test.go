/*
 *
 *  * Licensed to the Apache Software Foundation (ASF) under one or more
 *  * contributor license agreements.  See the NOTICE file distributed with
 *  * this work for additional information regarding copyright ownership.
 *  * The ASF licenses this file to You under the Apache License, Version 2.0
 *  * (the "License"); you may not use this file except in compliance with
 *  * the License.  You may obtain a copy of the License at
 *  *
 *  *     http://www.apache.org/licenses/LICENSE-2.0
 *  *
 *  * Unless required by applicable law or agreed to in writing, software
 *  * distributed under the License is distributed on an "AS IS" BASIS,
 *  * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  * See the License for the specific language governing permissions and
 *  * limitations under the License.
 *
 */

package verify

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/monitor"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/store"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/trigger"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/wait"
)

// fixture is one miniredis per test, so tests can run in parallel.
type fixture struct {
	ms    *miniredis.Miniredis
	store *store.RedisStore
	conf  *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := miniredis.RunT(t)
	port, err := strconv.Atoi(ms.Port())
	require.NoError(t, err)

	conf := config.Default()
	conf.Redis.Host = ms.Host()
	conf.Redis.Port = port
	conf.Verify.Wait.InitialInterval = "5ms"
	conf.Verify.Wait.MaxInterval = "20ms"
	conf.Verify.Wait.Timeout = "300ms"

	s := store.New(conf.Redis)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{ms: ms, store: s, conf: conf}
}

func (f *fixture) procedure(r trigger.Runner) *Procedure {
	return New(f.store, r, OptionsFromConfig(f.conf))
}

// setter is a trigger that writes key=value into miniredis and exits with code.
func (f *fixture) setter(key, value string, code int) trigger.Runner {
	return trigger.RunnerFunc(func(ctx context.Context, cmd trigger.Command) (*trigger.Result, error) {
		if key != "" {
			if err := f.ms.Set(key, value); err != nil {
				return nil, err
			}
		}
		return &trigger.Result{ExitCode: code}, nil
	})
}

func TestRunPasses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	p := f.procedure(f.setter("key1", "value1", 0))
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Passed())
	assert.Equal(t, StateVerified, report.State)
	assert.Equal(t, "value1", report.Got)
	assert.True(t, report.Found)
	assert.Equal(t, 0, report.ExitCode)
	require.Len(t, report.Steps, 4)
	assert.Equal(t, []string{StepReset, StepTrigger, StepAwait, StepAssert}, stepNames(report))
}

func TestRunFlushesBeforeTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.ms.Set("key1", "value1"))

	// trigger does nothing, so a pass could only come from stale state
	p := f.procedure(f.setter("", "", 0))
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Contains(t, err.Error(), "key not found")
	assert.Equal(t, StateFailed, p.State())
}

func TestRunWrongValue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	report, err := f.procedure(f.setter("key1", "value2", 0)).Run(context.Background())
	require.Error(t, err)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "key1", mismatch.Key)
	assert.Equal(t, "value1", mismatch.Want)
	assert.Equal(t, "value2", mismatch.Got)
	assert.False(t, report.Passed())
	assert.Equal(t, "value2", report.Got)
	assert.True(t, IsAssertion(err))
}

func TestRunKeyAppearsLate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.conf.Verify.Wait.Timeout = "5s"

	// the script returns immediately and its side effect lands later
	r := trigger.RunnerFunc(func(ctx context.Context, cmd trigger.Command) (*trigger.Result, error) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = f.ms.Set("key1", "value1")
		}()
		return &trigger.Result{}, nil
	})
	start := time.Now()
	_, err := f.procedure(r).Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second, "polling returns as soon as the key shows up")
}

func TestRunNonZeroExitIsLogged(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	report, err := f.procedure(f.setter("key1", "value1", 2)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.ExitCode)
	assert.True(t, report.Passed())
}

func TestRunNonZeroExitStrict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.conf.Verify.Trigger.FailOnError = true

	p := f.procedure(f.setter("key1", "value1", 2))
	report, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrTriggerFailed)
	assert.Equal(t, 2, report.ExitCode)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, []string{StepReset, StepTrigger}, stepNames(report))
}

func TestRunTriggerCannotStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	boom := errors.New("exec: no such file")

	r := trigger.RunnerFunc(func(ctx context.Context, cmd trigger.Command) (*trigger.Result, error) {
		return nil, boom
	})
	report, err := f.procedure(r).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, IsAssertion(err))
	assert.Equal(t, -1, report.ExitCode)
}

func TestRunStoreUnreachable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ms.Close()

	called := false
	r := trigger.RunnerFunc(func(ctx context.Context, cmd trigger.Command) (*trigger.Result, error) {
		called = true
		return &trigger.Result{}, nil
	})
	p := f.procedure(r)
	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "reset"))
	assert.False(t, called, "nothing runs after a failed reset")
	assert.False(t, IsAssertion(err))
}

func TestStepsOutOfOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.procedure(f.setter("key1", "value1", 0))
	ctx := context.Background()

	_, err := p.Trigger(ctx)
	require.ErrorIs(t, err, ErrOutOfOrder)
	require.ErrorIs(t, p.Assert(ctx), ErrOutOfOrder)

	require.NoError(t, p.Reset(ctx))
	require.ErrorIs(t, p.Reset(ctx), ErrOutOfOrder)
	assert.Equal(t, StateReset, p.State())

	_, err = p.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTriggered, p.State())
	require.NoError(t, p.Assert(ctx))
	assert.Equal(t, StateVerified, p.State())
}

func TestFailureIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.procedure(f.setter("", "", 0))
	ctx := context.Background()

	require.NoError(t, p.Reset(ctx))
	_, err := p.Trigger(ctx)
	require.NoError(t, err)
	first := p.Assert(ctx)
	require.ErrorIs(t, first, ErrKeyNotFound)

	// the key showing up afterwards does not revive the run
	require.NoError(t, f.ms.Set("key1", "value1"))
	assert.Equal(t, first, p.Assert(ctx))
	assert.Equal(t, StateFailed, p.State())
}

func TestAwaitTimeoutIsNotAnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.procedure(f.setter("", "", 0))
	ctx := context.Background()

	require.NoError(t, p.Reset(ctx))
	_, err := p.Trigger(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Await(ctx))
	require.ErrorIs(t, p.Assert(ctx), ErrKeyNotFound)
}

func TestFixedWait(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.conf.Verify.Wait.Mode = wait.ModeFixed
	f.conf.Verify.Wait.Timeout = "50ms"

	start := time.Now()
	report, err := f.procedure(f.setter("key1", "value1", 0)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCustomKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.conf.Verify.Key = "greeting"
	f.conf.Verify.Expected = "hello"

	_, err := f.procedure(f.setter("greeting", "hello", 0)).Run(context.Background())
	require.NoError(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	conf := config.Default()
	conf.Redis.DB = 3
	conf.Verify.Trigger.Env = map[string]string{"EXTRA": "1"}

	opts := OptionsFromConfig(conf)
	assert.Equal(t, "key1", opts.Key)
	assert.Equal(t, "value1", opts.Expected)
	assert.Equal(t, "./test.sh", opts.Command.Path)
	assert.True(t, opts.Command.Discard)
	assert.Equal(t, "localhost", opts.Command.Env["REDIS_HOST"])
	assert.Equal(t, "6379", opts.Command.Env["REDIS_PORT"])
	assert.Equal(t, "3", opts.Command.Env["REDIS_DB"])
	assert.Equal(t, "1", opts.Command.Env["EXTRA"])
	assert.Equal(t, 4*time.Second, opts.Wait.Timeout)
}

func TestRunRecordsMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	opts := OptionsFromConfig(f.conf)
	opts.Monitor = monitor.New()

	_, err := New(f.store, f.setter("key1", "value1", 0), opts).Run(context.Background())
	require.NoError(t, err)

	families, err := opts.Monitor.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["redisvolume_verify_total"])
	assert.True(t, names["redisvolume_verify_step_seconds"])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "verified", StateVerified.String())
	assert.Equal(t, "unknown(42)", State(42).String())
}

func stepNames(r *Report) []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		names = append(names, s.Step)
	}
	return names
}
