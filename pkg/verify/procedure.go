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

// Package verify flushes a redis database, runs a trigger script and checks
// that the script left the expected value behind.
//
// The steps run strictly in order, Reset, Trigger, Await, Assert, and the
// first failure is terminal:
//
//	StateInit -> StateReset -> StateTriggered -> StateVerified
//	                    \______________\______________\-> StateFailed
package verify

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/monitor"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/store"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/trigger"
	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/wait"
)

type State int

const (
	StateInit State = iota
	StateReset
	StateTriggered
	StateVerified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReset:
		return "reset"
	case StateTriggered:
		return "triggered"
	case StateVerified:
		return "verified"
	case StateFailed:
		return "failed"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Step names, used in reports and metrics.
const (
	StepReset   = "reset"
	StepTrigger = "trigger"
	StepAwait   = "await"
	StepAssert  = "assert"
)

type Options struct {
	Key      string
	Expected string
	Command  trigger.Command
	// FailOnTriggerError makes a non-zero exit of the trigger fail the run.
	FailOnTriggerError bool
	Wait               wait.Policy
	Monitor            *monitor.Monitor
}

// OptionsFromConfig builds options from a validated config. The trigger
// learns the target store through REDIS_HOST, REDIS_PORT and REDIS_DB.
func OptionsFromConfig(c *config.Config) Options {
	env := map[string]string{
		"REDIS_HOST": c.Redis.Host,
		"REDIS_PORT": strconv.Itoa(c.Redis.Port),
		"REDIS_DB":   strconv.Itoa(c.Redis.DB),
	}
	for k, v := range c.Verify.Trigger.Env {
		env[k] = v
	}
	return Options{
		Key:      c.Verify.Key,
		Expected: c.Verify.Expected,
		Command: trigger.Command{
			Path:    c.Verify.Trigger.Command,
			Args:    c.Verify.Trigger.Args,
			Dir:     c.Verify.Trigger.Dir,
			Env:     env,
			Discard: c.Verify.Trigger.Discard,
		},
		FailOnTriggerError: c.Verify.Trigger.FailOnError,
		Wait:               wait.PolicyFromConfig(c.Verify.Wait),
	}
}

type StepTiming struct {
	Step     string
	Duration time.Duration
}

type Report struct {
	Key      string
	Expected string
	// Got is the value read by Assert; empty when the key was absent.
	Got   string
	Found bool
	State State
	// ExitCode of the trigger, -1 when it did not run.
	ExitCode int
	Steps    []StepTiming
	Err      error
}

// Passed reports whether the run reached StateVerified.
func (r *Report) Passed() bool {
	return r.State == StateVerified
}

// Procedure is single use; build a new one per run.
type Procedure struct {
	store  store.Store
	runner trigger.Runner
	opts   Options
	log    *logrus.Entry

	state  State
	failed error
	report Report
}

func New(s store.Store, r trigger.Runner, opts Options) *Procedure {
	return &Procedure{
		store:  s,
		runner: r,
		opts:   opts,
		log:    logrus.WithFields(logrus.Fields{"key": opts.Key}),
		state:  StateInit,
		report: Report{Key: opts.Key, Expected: opts.Expected, ExitCode: -1},
	}
}

func (p *Procedure) State() State {
	return p.state
}

// Report is a snapshot of the run so far.
func (p *Procedure) Report() *Report {
	r := p.report
	r.State = p.state
	r.Err = p.failed
	r.Steps = append([]StepTiming(nil), p.report.Steps...)
	return &r
}

func (p *Procedure) enter(step string, want State) error {
	if p.state == StateFailed {
		return p.failed
	}
	if p.state != want {
		return errors.Wrapf(ErrOutOfOrder, "%s in state %s", step, p.state)
	}
	return nil
}

func (p *Procedure) fail(err error) error {
	p.state = StateFailed
	p.failed = err
	return err
}

func (p *Procedure) timed(step string, start time.Time) {
	d := time.Since(start)
	p.report.Steps = append(p.report.Steps, StepTiming{Step: step, Duration: d})
	p.opts.Monitor.ObserveStep(step, d)
}

// Reset flushes the selected database. An unreachable store fails the run.
func (p *Procedure) Reset(ctx context.Context) error {
	if err := p.enter(StepReset, StateInit); err != nil {
		return err
	}
	defer p.timed(StepReset, time.Now())

	if err := p.store.Flush(ctx); err != nil {
		return p.fail(errors.Wrap(err, "reset"))
	}
	p.log.Debug("store flushed")
	p.state = StateReset
	return nil
}

// Trigger runs the external command. Its exit code is always logged; it
// only fails the run with FailOnTriggerError.
func (p *Procedure) Trigger(ctx context.Context) (*trigger.Result, error) {
	if err := p.enter(StepTrigger, StateReset); err != nil {
		return nil, err
	}
	defer p.timed(StepTrigger, time.Now())

	res, err := p.runner.Run(ctx, p.opts.Command)
	if err != nil {
		return nil, p.fail(errors.Wrap(err, "trigger"))
	}
	p.report.ExitCode = res.ExitCode

	entry := p.log.WithFields(logrus.Fields{
		"command":   p.opts.Command.Path,
		"exit_code": res.ExitCode,
		"duration":  res.Duration,
	})
	if !res.Success() {
		if p.opts.FailOnTriggerError {
			entry.Error("trigger failed")
			return res, p.fail(errors.Wrapf(ErrTriggerFailed, "%s exit code %d", p.opts.Command.Path, res.ExitCode))
		}
		entry.Warn("trigger exited with non-zero status, continuing")
	} else {
		entry.Debug("trigger finished")
	}
	p.state = StateTriggered
	return res, nil
}

// Await waits for the key to appear. Running out of time is not an error
// here; Assert reports the missing key.
func (p *Procedure) Await(ctx context.Context) error {
	if err := p.enter(StepAwait, StateTriggered); err != nil {
		return err
	}
	defer p.timed(StepAwait, time.Now())

	err := wait.Until(ctx, p.opts.Wait, func(ctx context.Context) (bool, error) {
		_, found, err := p.store.Get(ctx, p.opts.Key)
		return found, err
	})
	if err != nil && !errors.Is(err, wait.ErrTimeout) {
		return p.fail(errors.Wrap(err, "await"))
	}
	if err != nil {
		p.log.WithField("timeout", p.opts.Wait.Timeout).Warn("key did not appear in time")
	}
	return nil
}

// Assert reads the key and compares it with the expected value.
func (p *Procedure) Assert(ctx context.Context) error {
	if err := p.enter(StepAssert, StateTriggered); err != nil {
		return err
	}
	defer p.timed(StepAssert, time.Now())

	v, found, err := p.store.Get(ctx, p.opts.Key)
	if err != nil {
		return p.fail(errors.Wrap(err, "assert"))
	}
	p.report.Found = found
	p.report.Got = v
	if !found {
		return p.fail(errors.Wrap(ErrKeyNotFound, p.opts.Key))
	}
	if v != p.opts.Expected {
		return p.fail(&MismatchError{Key: p.opts.Key, Want: p.opts.Expected, Got: v})
	}
	p.state = StateVerified
	p.log.Info("key verified")
	return nil
}

// Run executes Reset, Trigger, Await and Assert and stops at the first
// failure. The report is returned in every case.
func (p *Procedure) Run(ctx context.Context) (*Report, error) {
	err := p.run(ctx)

	switch {
	case err == nil:
		p.opts.Monitor.VerifyDone(monitor.ResultPass)
	case IsAssertion(err):
		p.opts.Monitor.VerifyDone(monitor.ResultFail)
	default:
		p.opts.Monitor.VerifyDone(monitor.ResultError)
	}
	return p.Report(), err
}

func (p *Procedure) run(ctx context.Context) error {
	if err := p.Reset(ctx); err != nil {
		return err
	}
	if _, err := p.Trigger(ctx); err != nil {
		return err
	}
	if err := p.Await(ctx); err != nil {
		return err
	}
	return p.Assert(ctx)
}

// IsAssertion tells a failed check (missing key, wrong value, failing
// trigger) apart from an infrastructure error.
func IsAssertion(err error) bool {
	var mismatch *MismatchError
	return errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrTriggerFailed) || errors.As(err, &mismatch)
}
