// Copyright 2026 The sallyvm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry runs fallible operations under a bounded budget with
// jittered linear backoff.
//
// It is meant for operations that fail transiently for environmental
// reasons, such as opening a contended hardware device node or starting a
// firmware launch session. Operations whose failure indicates a logic or
// data error must not be retried; wrap such errors in backoff.Permanent to
// stop immediately.
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// Defaults chosen for SEV firmware session races: the firmware serializes
// launch sessions platform-wide, so a colliding opener backs off long
// enough for the winner to finish starting.
const (
	DefaultBudget    = 3
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultJitter    = 256 * time.Millisecond
)

// sleep is swapped out by tests.
var sleep = time.Sleep

// Options bounds a retried operation.
type Options struct {
	// Budget is the number of retries after the initial attempt. Zero
	// means DefaultBudget; use Do only for operations that want retries.
	Budget int

	// BaseDelay is the fixed component of the inter-attempt delay. Zero
	// means DefaultBaseDelay.
	BaseDelay time.Duration

	// Jitter bounds the random component, uniform in [0, Jitter). Zero
	// means DefaultJitter.
	Jitter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Budget == 0 {
		o.Budget = DefaultBudget
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.Jitter == 0 {
		o.Jitter = DefaultJitter
	}
	return o
}

// Do runs op, retrying failures until the budget is exhausted. It returns
// nil on the first success, the unwrapped error immediately for a
// backoff.PermanentError, and the last attempt's error once the budget
// runs out. Every failed attempt before the last sleeps the calling
// goroutine; callers keep Do off latency-critical paths.
func Do(op backoff.Operation, opts Options) error {
	opts = opts.withDefaults()
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm.Err
		}
		if attempt >= opts.Budget {
			return err
		}
		delay := opts.BaseDelay + time.Duration(rand.Int63n(int64(opts.Jitter)))
		logrus.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"budget":  opts.Budget,
			"delay":   delay,
		}).Warnf("transient failure, retrying: %v", err)
		sleep(delay)
	}
}
