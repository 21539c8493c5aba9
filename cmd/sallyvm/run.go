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

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"sallyvm.dev/sallyvm/pkg/keep"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "build and run a confidential guest"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run -config <keep.toml>`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "path to the keep configuration")
}

// Execute implements subcommands.Command.Execute. It walks the guest
// through the launch sequence and drives it until it exits.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if r.config == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := keep.LoadConfig(r.config)
	if err != nil {
		logrus.WithError(err).Error("loading configuration")
		return subcommands.ExitFailure
	}

	b, err := keep.NewBuilder(*cfg)
	if err != nil {
		logrus.WithError(err).Error("starting launch session")
		return subcommands.ExitFailure
	}
	for i := range cfg.Segments {
		seg, err := cfg.Segments[i].Segment()
		if err != nil {
			logrus.WithError(err).Error("resolving segment")
			return subcommands.ExitFailure
		}
		if _, err := b.Map(seg); err != nil {
			logrus.WithError(err).Errorf("mapping segment at %#x", seg.GPA)
			return subcommands.ExitFailure
		}
	}
	k, err := b.Finish()
	if err != nil {
		logrus.WithError(err).Error("finishing launch")
		return subcommands.ExitFailure
	}
	defer k.Destroy()

	env, err := keep.ExecEnv(cfg.FDNames)
	if err != nil {
		logrus.WithError(err).Error("building guest environment")
		return subcommands.ExitFailure
	}
	logrus.WithField("env", env).Debug("guest environment")

	if err := k.Run(ctx); err != nil {
		logrus.WithError(err).Error("running guest")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
