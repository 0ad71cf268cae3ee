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

// Package wait polls for a condition instead of sleeping a fixed time.
package wait

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/IceFireDB/IceFireDB-RedisVolume/pkg/config"
)

var (
	ErrTimeout = errors.New("condition not met before timeout")

	errNotYet = errors.New("condition not met yet")
)

const (
	ModePoll  = config.WaitModePoll
	ModeFixed = config.WaitModeFixed
)

// Condition reports whether the awaited state has been reached. An error
// stops the polling.
type Condition func(ctx context.Context) (bool, error)

type Policy struct {
	Mode            string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Timeout is the total budget in poll mode and the sleep in fixed mode.
	Timeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Mode:            ModePoll,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Timeout:         4 * time.Second,
	}
}

// PolicyFromConfig expects a validated config.
func PolicyFromConfig(c config.WaitS) Policy {
	p := DefaultPolicy()
	if c.Mode != "" {
		p.Mode = c.Mode
	}
	if d := config.MustDuration(c.InitialInterval); d > 0 {
		p.InitialInterval = d
	}
	if d := config.MustDuration(c.MaxInterval); d > 0 {
		p.MaxInterval = d
	}
	if c.Multiplier >= 1 {
		p.Multiplier = c.Multiplier
	}
	if c.Timeout != "" {
		p.Timeout = config.MustDuration(c.Timeout)
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = p.Timeout
	b.Reset()
	return b
}

// Until blocks until cond is true, cond fails, the policy budget is spent
// (ErrTimeout) or ctx is done.
func Until(ctx context.Context, p Policy, cond Condition) error {
	if p.Mode == ModeFixed {
		return sleep(ctx, p.Timeout)
	}

	op := func() error {
		ok, err := cond(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}

	if p.Timeout <= 0 {
		// a zero MaxElapsedTime would make the backoff retry forever
		if err := op(); err != errNotYet {
			return unwrapPermanent(err)
		}
		return ErrTimeout
	}

	err := backoff.Retry(op, backoff.WithContext(p.backOff(), ctx))
	if err != errNotYet {
		return err
	}
	// the backoff stops one interval short of the budget; give cond a last look
	if ok, cerr := cond(ctx); cerr != nil {
		return cerr
	} else if ok {
		return nil
	}
	return ErrTimeout
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
