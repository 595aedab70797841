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
	"fmt"
	"os"

	"github.com/blinklabs-io/gochainhead/cmd/common"
	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
)

type chainTipFlags struct {
	*common.GlobalFlags
}

func main() {
	// Parse commandline
	f := chainTipFlags{
		GlobalFlags: common.NewGlobalFlags(),
	}
	f.Parse()
	// Create connection
	conn := common.CreateClientConnection(
		f.GlobalFlags,
		chainhead.WithRuntime(true),
	)
	defer conn.Close()

	snapshot, err := conn.ChainHead().Snapshot()
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}

	fmt.Print("Current chain tip:\n\n")
	fmt.Printf("Endpoint: %s\n", conn.Transport().Endpoint())
	fmt.Printf("Best block hash: %s\n", snapshot.BestHash)
	fmt.Printf("Finalized block hash: %s\n", snapshot.FinalizedHash)
	fmt.Printf("Pinned blocks: %d\n", len(snapshot.Blocks))
	runtime, err := conn.ChainHead().RuntimeAt(snapshot.BestHash)
	if err == nil && runtime != nil {
		fmt.Printf(
			"Runtime: %s v%d\n",
			runtime.SpecName,
			runtime.SpecVersion,
		)
	}
}
