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

package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blinklabs-io/gochainhead/cmd/common"
	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type followFlags struct {
	flagset     *flag.FlagSet
	withRuntime bool
	metricsPort int
}

func newFollowFlags() *followFlags {
	f := &followFlags{
		flagset: flag.NewFlagSet("follow", flag.ExitOnError),
	}
	f.flagset.BoolVar(
		&f.withRuntime,
		"runtime",
		true,
		"report runtime updates",
	)
	f.flagset.IntVar(
		&f.metricsPort,
		"metrics-port",
		0,
		"serve Prometheus metrics on this port (disabled when 0)",
	)
	return f
}

func runFollow(f *common.GlobalFlags) {
	followFlags := newFollowFlags()
	err := followFlags.flagset.Parse(f.Flagset.Args()[1:])
	if err != nil {
		fmt.Printf("failed to parse subcommand args: %s\n", err)
		os.Exit(1)
	}

	var transportOptions []transport.TransportOptionFunc
	if followFlags.metricsPort > 0 {
		registry := prometheus.NewRegistry()
		transportOptions = append(
			transportOptions,
			transport.WithMetricsRegisterer(registry),
		)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", followFlags.metricsPort),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			if err := server.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				fmt.Printf("ERROR: metrics listener: %s\n", err)
			}
		}()
	}

	conn := common.CreateClientConnectionWithTransport(
		f,
		transportOptions,
		chainhead.WithRuntime(followFlags.withRuntime),
		chainhead.WithNewBlockFunc(newBlockHandler),
		chainhead.WithBestBlockChangedFunc(bestBlockChangedHandler),
		chainhead.WithFinalizedFunc(finalizedHandler),
	)
	defer conn.Close()
	fmt.Printf(
		"following %s, finalized = %s\n",
		conn.Transport().Endpoint(),
		conn.ChainHead().FinalizedHash(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
}

func newBlockHandler(
	ctx chainhead.CallbackContext,
	ev chainhead.NewBlockEvent,
) error {
	fmt.Printf(
		"newBlock: hash = %s, parent = %s\n",
		ev.BlockHash,
		ev.ParentBlockHash,
	)
	if ev.NewRuntime != nil {
		fmt.Printf(
			"  new runtime: %s v%d\n",
			ev.NewRuntime.SpecName,
			ev.NewRuntime.SpecVersion,
		)
	}
	return nil
}

func bestBlockChangedHandler(
	ctx chainhead.CallbackContext,
	ev chainhead.BestBlockChangedEvent,
) error {
	fmt.Printf("bestBlockChanged: hash = %s\n", ev.BestBlockHash)
	return nil
}

func finalizedHandler(
	ctx chainhead.CallbackContext,
	ev chainhead.FinalizedEvent,
) error {
	fmt.Printf(
		"finalized: %s (pruned %d, unpinned %d)\n",
		strings.Join(ev.FinalizedBlockHashes, ", "),
		len(ev.PrunedBlockHashes),
		len(ev.Unpinned),
	)
	return nil
}
