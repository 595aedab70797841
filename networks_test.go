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
	"testing"

	"github.com/blinklabs-io/gochainhead"
	"github.com/stretchr/testify/assert"
)

func TestNetworkLookup(t *testing.T) {
	testDefs := []struct {
		name     string
		expected gochainhead.Network
	}{
		{name: "polkadot", expected: gochainhead.NetworkPolkadot},
		{name: "kusama", expected: gochainhead.NetworkKusama},
		{name: "westend", expected: gochainhead.NetworkWestend},
		{name: "local", expected: gochainhead.NetworkLocal},
		{name: "mainnet", expected: gochainhead.NetworkInvalid},
	}
	for _, testDef := range testDefs {
		network := gochainhead.NetworkByName(testDef.name)
		assert.Equal(t, testDef.expected, network, testDef.name)
	}
	assert.False(t, gochainhead.NetworkInvalid.Valid())
	assert.True(t, gochainhead.NetworkPolkadot.Valid())
	assert.Equal(t, gochainhead.NetworkKusama, gochainhead.NetworkBySS58Prefix(2))
	assert.Equal(t, gochainhead.NetworkWestend, gochainhead.NetworkBySS58Prefix(42))
	assert.Equal(t, gochainhead.NetworkInvalid, gochainhead.NetworkBySS58Prefix(7))
	assert.Equal(t, "polkadot", gochainhead.NetworkPolkadot.String())
}
