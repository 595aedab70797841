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
	"context"
	"fmt"
	"os"

	"github.com/blinklabs-io/gochainhead"
	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/transport"
)

// CreateClientConnection builds a connection from the global flags, dials it and starts
// following the chain. Asynchronous errors are printed and end the process
func CreateClientConnection(
	f *GlobalFlags,
	chainHeadOptions ...chainhead.ChainHeadOptionFunc,
) *gochainhead.Connection {
	return CreateClientConnectionWithTransport(f, nil, chainHeadOptions...)
}

// CreateClientConnectionWithTransport is CreateClientConnection with extra transport options
// applied after the ones derived from the flags
func CreateClientConnectionWithTransport(
	f *GlobalFlags,
	extraTransportOptions []transport.TransportOptionFunc,
	chainHeadOptions ...chainhead.ChainHeadOptionFunc,
) *gochainhead.Connection {
	var endpointsConfig *gochainhead.EndpointsConfig
	if f.ConfigFile != "" {
		var err error
		endpointsConfig, err = gochainhead.NewEndpointsConfigFromFile(f.ConfigFile)
		if err != nil {
			fmt.Printf("ERROR: failed to load config: %s\n", err)
			os.Exit(1)
		}
	} else {
		endpointsConfig = &gochainhead.EndpointsConfig{Network: f.Network}
	}
	if f.Endpoint != "" {
		endpointsConfig.Endpoints = []string{f.Endpoint}
	}
	logger := f.Logger()
	transportOptions := endpointsConfig.TransportOptions()
	transportOptions = append(transportOptions, transport.WithLogger(logger))
	if f.MaxRetry >= 0 {
		transportOptions = append(
			transportOptions,
			transport.WithMaxRetryAttempts(f.MaxRetry),
		)
	}
	transportOptions = append(transportOptions, extraTransportOptions...)
	chainHeadOptions = append(
		endpointsConfig.ChainHeadOptions(),
		chainHeadOptions...,
	)
	errorChan := make(chan error)
	go func() {
		for {
			err, ok := <-errorChan
			if !ok {
				return
			}
			fmt.Printf("ERROR(async): %s\n", err)
			os.Exit(1)
		}
	}()
	conn, err := gochainhead.NewConnection(
		gochainhead.WithLogger(logger),
		gochainhead.WithErrorChan(errorChan),
		gochainhead.WithTransportConfig(transport.NewConfig(transportOptions...)),
		gochainhead.WithChainHeadConfig(chainhead.NewConfig(chainHeadOptions...)),
	)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	if err := conn.Dial(context.Background()); err != nil {
		fmt.Printf("Connection failed: %s\n", err)
		os.Exit(1)
	}
	return conn
}
