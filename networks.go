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

// Network definitions
var (
	NetworkPolkadot = Network{
		Name:          "polkadot",
		Endpoints:     []string{"wss://rpc.polkadot.io"},
		SS58Prefix:    0,
		TokenSymbol:   "DOT",
		TokenDecimals: 10,
	}
	NetworkKusama = Network{
		Name:          "kusama",
		Endpoints:     []string{"wss://kusama-rpc.polkadot.io"},
		SS58Prefix:    2,
		TokenSymbol:   "KSM",
		TokenDecimals: 12,
	}
	NetworkWestend = Network{
		Name:          "westend",
		Endpoints:     []string{"wss://westend-rpc.polkadot.io"},
		SS58Prefix:    42,
		TokenSymbol:   "WND",
		TokenDecimals: 12,
	}
	NetworkLocal = Network{
		Name:          "local",
		Endpoints:     []string{"ws://127.0.0.1:9944"},
		SS58Prefix:    42,
		TokenSymbol:   "UNIT",
		TokenDecimals: 12,
	}

	NetworkInvalid = Network{
		Name: "invalid",
	} // NetworkInvalid is used as a return value for lookup functions when a network isn't found
)

// List of valid networks for use in lookup functions
var networks = []Network{
	NetworkPolkadot,
	NetworkKusama,
	NetworkWestend,
	NetworkLocal,
}

// NetworkByName returns a predefined network by name
func NetworkByName(name string) Network {
	for _, network := range networks {
		if network.Name == name {
			return network
		}
	}
	return NetworkInvalid
}

// NetworkBySS58Prefix returns the first predefined network using the given address prefix
func NetworkBySS58Prefix(prefix uint16) Network {
	for _, network := range networks {
		if network.SS58Prefix == prefix {
			return network
		}
	}
	return NetworkInvalid
}

// Network represents a chain with its default public RPC endpoints
type Network struct {
	Name          string
	Endpoints     []string
	SS58Prefix    uint16 // address format prefix
	TokenSymbol   string
	TokenDecimals uint8
}

// Valid returns whether the network is usable for connecting
func (n Network) Valid() bool {
	return len(n.Endpoints) > 0
}

func (n Network) String() string {
	return n.Name
}
