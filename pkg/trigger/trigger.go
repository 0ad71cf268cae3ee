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

// Package trigger runs the external script whose side effect the verifier
// checks.
package trigger

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Command describes one invocation of an external executable.
type Command struct {
	Path string
	Args []string
	// Dir defaults to the current working directory.
	Dir string
	// Env is appended to the parent environment.
	Env map[string]string
	// Discard drops stdout and stderr. Otherwise they are logged at debug level once the process exits.
	Discard bool
}

type Result struct {
	ExitCode int
	Duration time.Duration
}

// Success reports a zero exit code.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner starts a command and waits for it. A non-zero exit is reported in
// Result, not as an error; errors mean the command could not run at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the context
	// kills the process.
	WaitDelay time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: time.Second}
}

func (e *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Path == "" {
		return nil, errors.New("trigger command is empty")
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = buildEnv(os.Environ(), c.Env)
	cmd.WaitDelay = e.WaitDelay

	var stdout, stderr bytes.Buffer
	if c.Discard {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", c.Path)
	}
	err := cmd.Wait()
	res := &Result{Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.Wrapf(ctxErr, "run %s", c.Path)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrapf(err, "run %s", c.Path)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	if !c.Discard {
		logOutput(c.Path, "stdout", &stdout)
		logOutput(c.Path, "stderr", &stderr)
	}
	return res, nil
}

func logOutput(path, stream string, r io.Reader) {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	entry := logrus.WithFields(logrus.Fields{"command": path, "stream": stream})
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		entry.Debug(sc.Text())
	}
}

func buildEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
