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

package gochainhead_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/blinklabs-io/gochainhead"
	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type endpointsTestDefinition struct {
	data           string
	expectedObject *gochainhead.EndpointsConfig
}

func intPtr(v int) *int {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

var endpointsTests = []endpointsTestDefinition{
	{
		data: `
network: polkadot
`,
		expectedObject: &gochainhead.EndpointsConfig{
			Network: "polkadot",
		},
	},
	{
		data: `
endpoints:
  - wss://rpc-a.example.com
  - wss://rpc-b.example.com
retryDelay: 500ms
timeout: 10s
maxRetryAttempts: 0
pingInterval: 15s
chainHead:
  methodPrefix: chainHead_unstable
  withRuntime: true
  refollowOnStop: false
`,
		expectedObject: &gochainhead.EndpointsConfig{
			Endpoints: []string{
				"wss://rpc-a.example.com",
				"wss://rpc-b.example.com",
			},
			RetryDelay:       500 * time.Millisecond,
			Timeout:          10 * time.Second,
			MaxRetryAttempts: intPtr(0),
			PingInterval:     15 * time.Second,
			ChainHead: gochainhead.ChainHeadEntry{
				MethodPrefix:   "chainHead_unstable",
				WithRuntime:    boolPtr(true),
				RefollowOnStop: boolPtr(false),
			},
		},
	},
	{
		data: `
{
  "network": "westend",
  "endpoints": ["ws://127.0.0.1:9944"],
  "maxRetryAttempts": 5
}
`,
		expectedObject: &gochainhead.EndpointsConfig{
			Network:          "westend",
			Endpoints:        []string{"ws://127.0.0.1:9944"},
			MaxRetryAttempts: intPtr(5),
		},
	},
}

func TestParseEndpointsConfig(t *testing.T) {
	for _, test := range endpointsTests {
		endpoints, err := gochainhead.NewEndpointsConfigFromReader(
			strings.NewReader(test.data),
		)
		if err != nil {
			t.Fatalf("failed to load EndpointsConfig: %s", err)
		}
		if !reflect.DeepEqual(endpoints, test.expectedObject) {
			t.Fatalf(
				"did not get expected object\n  got:\n    %#v\n  wanted:\n    %#v",
				endpoints,
				test.expectedObject,
			)
		}
	}
}

func TestParseEndpointsConfigInvalid(t *testing.T) {
	testDefs := []struct {
		name string
		data string
	}{
		{name: "empty", data: ``},
		{name: "unknown network", data: `network: cardano`},
		{name: "negative retries", data: "network: kusama\nmaxRetryAttempts: -1"},
		{name: "bad duration", data: "network: kusama\ntimeout: soon"},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			_, err := gochainhead.NewEndpointsConfigFromReader(
				strings.NewReader(testDef.data),
			)
			assert.Error(t, err)
		})
	}
	_, err := gochainhead.NewEndpointsConfigFromReader(strings.NewReader(``))
	assert.True(t, errors.Is(err, gochainhead.ErrNoEndpoints))
}

func TestEndpointsConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	require.NoError(
		t,
		os.WriteFile(path, []byte("network: kusama\ntimeout: 5s\n"), 0o600),
	)
	endpoints, err := gochainhead.NewEndpointsConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, gochainhead.NetworkKusama.Endpoints, endpoints.ResolvedEndpoints())
	cfg := transport.NewConfig(endpoints.TransportOptions()...)
	assert.Equal(t, gochainhead.NetworkKusama.Endpoints, cfg.Endpoints)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, transport.DefaultRetryDelay, cfg.RetryDelay)
	assert.Equal(t, transport.DefaultMaxRetryAttempts, cfg.MaxRetryAttempts)
	_, err = gochainhead.NewEndpointsConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEndpointsConfigOptions(t *testing.T) {
	endpoints := &gochainhead.EndpointsConfig{
		Endpoints:        []string{"ws://127.0.0.1:9944"},
		MaxRetryAttempts: intPtr(0),
		ChainHead: gochainhead.ChainHeadEntry{
			MethodPrefix:   chainhead.MethodPrefixUnstable,
			RefollowOnStop: boolPtr(false),
		},
	}
	transportCfg := transport.NewConfig(endpoints.TransportOptions()...)
	assert.Equal(t, 0, transportCfg.MaxRetryAttempts)
	chainHeadCfg := chainhead.NewConfig(endpoints.ChainHeadOptions()...)
	assert.Equal(t, chainhead.MethodPrefixUnstable, chainHeadCfg.MethodPrefix)
	assert.False(t, chainHeadCfg.RefollowOnStop)
	assert.False(t, chainHeadCfg.WithRuntime)
}
