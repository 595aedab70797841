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

package gochainhead

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/transport"
	"gopkg.in/yaml.v3"
)

var ErrNoEndpoints = errors.New("no endpoints configured")

// EndpointsConfig represents an endpoints config file. The file may be YAML or JSON
type EndpointsConfig struct {
	Network          string         `yaml:"network"`
	Endpoints        []string       `yaml:"endpoints"`
	RetryDelay       time.Duration  `yaml:"retryDelay"`
	Timeout          time.Duration  `yaml:"timeout"`
	MaxRetryAttempts *int           `yaml:"maxRetryAttempts"`
	PingInterval     time.Duration  `yaml:"pingInterval"`
	ChainHead        ChainHeadEntry `yaml:"chainHead"`
}

type ChainHeadEntry struct {
	MethodPrefix   string `yaml:"methodPrefix"`
	WithRuntime    *bool  `yaml:"withRuntime"`
	RefollowOnStop *bool  `yaml:"refollowOnStop"`
}

func NewEndpointsConfigFromFile(path string) (*EndpointsConfig, error) {
	dataFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer dataFile.Close()
	return NewEndpointsConfigFromReader(dataFile)
}

func NewEndpointsConfigFromReader(r io.Reader) (*EndpointsConfig, error) {
	e := &EndpointsConfig{}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks that the config names a known network or at least one endpoint
func (e *EndpointsConfig) Validate() error {
	if e.Network != "" && !NetworkByName(e.Network).Valid() {
		return fmt.Errorf("unknown network: %s", e.Network)
	}
	if len(e.Endpoints) == 0 && e.Network == "" {
		return ErrNoEndpoints
	}
	if e.MaxRetryAttempts != nil && *e.MaxRetryAttempts < 0 {
		return fmt.Errorf("invalid maxRetryAttempts: %d", *e.MaxRetryAttempts)
	}
	return nil
}

// ResolvedEndpoints returns the configured endpoints, falling back to the network defaults
func (e *EndpointsConfig) ResolvedEndpoints() []string {
	if len(e.Endpoints) > 0 {
		return e.Endpoints
	}
	return NetworkByName(e.Network).Endpoints
}

// TransportOptions returns the transport options for the settings present in the config
func (e *EndpointsConfig) TransportOptions() []transport.TransportOptionFunc {
	ret := []transport.TransportOptionFunc{
		transport.WithEndpoints(e.ResolvedEndpoints()...),
	}
	if e.RetryDelay > 0 {
		ret = append(ret, transport.WithRetryDelay(e.RetryDelay))
	}
	if e.Timeout > 0 {
		ret = append(ret, transport.WithTimeout(e.Timeout))
	}
	if e.MaxRetryAttempts != nil {
		ret = append(ret, transport.WithMaxRetryAttempts(*e.MaxRetryAttempts))
	}
	if e.PingInterval > 0 {
		ret = append(ret, transport.WithPingInterval(e.PingInterval))
	}
	return ret
}

// ChainHeadOptions returns the chainHead options for the settings present in the config
func (e *EndpointsConfig) ChainHeadOptions() []chainhead.ChainHeadOptionFunc {
	var ret []chainhead.ChainHeadOptionFunc
	if e.ChainHead.MethodPrefix != "" {
		ret = append(ret, chainhead.WithMethodPrefix(e.ChainHead.MethodPrefix))
	}
	if e.ChainHead.WithRuntime != nil {
		ret = append(ret, chainhead.WithRuntime(*e.ChainHead.WithRuntime))
	}
	if e.ChainHead.RefollowOnStop != nil {
		ret = append(ret, chainhead.WithRefollowOnStop(*e.ChainHead.RefollowOnStop))
	}
	return ret
}
