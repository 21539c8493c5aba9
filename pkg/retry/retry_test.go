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

package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
)

func countSleeps(t *testing.T) *int {
	t.Helper()
	var sleeps int
	orig := sleep
	sleep = func(time.Duration) { sleeps++ }
	t.Cleanup(func() { sleep = orig })
	return &sleeps
}

func TestEventualSuccess(t *testing.T) {
	for k := 0; k <= DefaultBudget; k++ {
		sleeps := countSleeps(t)
		failures := k
		err := Do(func() error {
			if failures > 0 {
				failures--
				return errors.New("transient")
			}
			return nil
		}, Options{})
		if err != nil {
			t.Errorf("k=%d: Do = %v, want nil", k, err)
		}
		if *sleeps != k {
			t.Errorf("k=%d: %d sleeps, want %d", k, *sleeps, k)
		}
	}
}

func TestBudgetExhaustion(t *testing.T) {
	sleeps := countSleeps(t)
	last := errors.New("still broken")
	attempts := 0
	err := Do(func() error {
		attempts++
		return last
	}, Options{})
	if !errors.Is(err, last) {
		t.Errorf("Do = %v, want %v", err, last)
	}
	if want := DefaultBudget + 1; attempts != want {
		t.Errorf("%d attempts, want %d", attempts, want)
	}
	if *sleeps != DefaultBudget {
		t.Errorf("%d sleeps, want %d", *sleeps, DefaultBudget)
	}
}

func TestPermanentShortCircuits(t *testing.T) {
	sleeps := countSleeps(t)
	fatal := errors.New("bad data")
	attempts := 0
	err := Do(func() error {
		attempts++
		return backoff.Permanent(fatal)
	}, Options{})
	if !errors.Is(err, fatal) {
		t.Errorf("Do = %v, want %v", err, fatal)
	}
	if attempts != 1 {
		t.Errorf("%d attempts, want 1", attempts)
	}
	if *sleeps != 0 {
		t.Errorf("%d sleeps, want 0", *sleeps)
	}
}

func TestExplicitBudget(t *testing.T) {
	sleeps := countSleeps(t)
	attempts := 0
	err := Do(func() error {
		attempts++
		return errors.New("transient")
	}, Options{Budget: 1, BaseDelay: time.Millisecond, Jitter: time.Millisecond})
	if err == nil {
		t.Error("Do = nil, want error")
	}
	if attempts != 2 {
		t.Errorf("%d attempts, want 2", attempts)
	}
	if *sleeps != 1 {
		t.Errorf("%d sleeps, want 1", *sleeps)
	}
}
