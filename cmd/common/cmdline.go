// Copyright 2025 Blink Labs Software
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

package common

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/blinklabs-io/gochainhead"
)

type GlobalFlags struct {
	Flagset    *flag.FlagSet
	Endpoint   string
	Network    string
	ConfigFile string
	MaxRetry   int
	Debug      bool
}

func NewGlobalFlags() *GlobalFlags {
	f := &GlobalFlags{
		Flagset: flag.NewFlagSet(os.Args[0], flag.ExitOnError),
	}
	f.Flagset.StringVar(
		&f.Endpoint,
		"endpoint",
		"",
		"WebSocket endpoint to connect to (ws:// or wss://). this overrides the -network option",
	)
	f.Flagset.StringVar(
		&f.Network,
		"network",
		"polkadot",
		"specifies the network whose public endpoint is used",
	)
	f.Flagset.StringVar(
		&f.ConfigFile,
		"config",
		"",
		"path to an endpoints config file (YAML or JSON)",
	)
	f.Flagset.IntVar(
		&f.MaxRetry,
		"max-retry",
		-1,
		"maximum reconnect attempts (defaults to the transport default)",
	)
	f.Flagset.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	return f
}

func (f *GlobalFlags) Parse() {
	if err := f.Flagset.Parse(os.Args[1:]); err != nil {
		fmt.Printf("failed to parse command args: %s\n", err)
		os.Exit(1)
	}
	if f.Endpoint == "" && f.ConfigFile == "" {
		network := gochainhead.NetworkByName(f.Network)
		if !network.Valid() {
			fmt.Printf("Invalid network specified: %s\n", f.Network)
			os.Exit(1)
		}
	}
}

// Logger returns the logger selected by the -debug flag
func (f *GlobalFlags) Logger() *slog.Logger {
	level := slog.LevelInfo
	if f.Debug {
		level = slog.LevelDebug
	}
	return slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	)
}
