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

package trigger

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a posix shell")
	}
}

func TestExecRunnerExitCode(t *testing.T) {
	requireShell(t)
	r := NewExecRunner()

	res, err := r.Run(context.Background(), Command{Path: "sh", Args: []string{"-c", "exit 0"}, Discard: true})
	require.NoError(t, err)
	assert.True(t, res.Success())

	res, err = r.Run(context.Background(), Command{Path: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}, Discard: true})
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
}

func TestExecRunnerScriptInDir(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "test.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$GREETING\" > out.txt\n"), 0o755))

	res, err := NewExecRunner().Run(context.Background(), Command{
		Path: "./test.sh",
		Dir:  dir,
		Env:  map[string]string{"GREETING": "value1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success())

	out, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "value1\n", string(out))
}

func TestExecRunnerMissingCommand(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), Command{Path: "./does-not-exist.sh", Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = NewExecRunner().Run(context.Background(), Command{})
	assert.Error(t, err)
}

func TestExecRunnerCancel(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecRunner().Run(ctx, Command{Path: "sh", Args: []string{"-c", "sleep 5"}, Discard: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunnerFunc(t *testing.T) {
	var got Command
	r := RunnerFunc(func(ctx context.Context, cmd Command) (*Result, error) {
		got = cmd
		return &Result{ExitCode: 1}, nil
	})
	res, err := r.Run(context.Background(), Command{Path: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", got.Path)
	assert.Equal(t, 1, res.ExitCode)
}

func TestBuildEnv(t *testing.T) {
	base := []string{"PATH=/bin"}
	assert.Equal(t, base, buildEnv(base, nil))
	assert.Equal(t, []string{"PATH=/bin", "A=1", "B=2"}, buildEnv(base, map[string]string{"B": "2", "A": "1"}))
}
