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
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/blinklabs-io/gochainhead"
	"github.com/blinklabs-io/gochainhead/cmd/common"
	"github.com/blinklabs-io/gochainhead/protocol/chainhead"
	"github.com/blinklabs-io/gochainhead/storage"
)

type queryFlags struct {
	flagset *flag.FlagSet
	at      string
	timeout time.Duration
	// storage
	pallet    string
	item      string
	hashers   string
	childTrie string
}

func newQueryFlags(name string) *queryFlags {
	f := &queryFlags{
		flagset: flag.NewFlagSet(name, flag.ExitOnError),
	}
	f.flagset.StringVar(
		&f.at,
		"at",
		"",
		"pinned block hash to query (defaults to the best block)",
	)
	f.flagset.DurationVar(
		&f.timeout,
		"timeout",
		30*time.Second,
		"query timeout",
	)
	if name == "storage" {
		f.flagset.StringVar(&f.pallet, "pallet", "", "pallet name of a storage entry")
		f.flagset.StringVar(&f.item, "item", "", "item name of a storage entry")
		f.flagset.StringVar(
			&f.hashers,
			"hasher",
			"Blake2_128Concat",
			"hasher for each map key argument of the storage entry",
		)
		f.flagset.StringVar(&f.childTrie, "child-trie", "", "child trie key")
	}
	return f
}

func parseQueryFlags(f *common.GlobalFlags, name string) *queryFlags {
	queryFlags := newQueryFlags(name)
	err := queryFlags.flagset.Parse(f.Flagset.Args()[1:])
	if err != nil {
		fmt.Printf("failed to parse subcommand args: %s\n", err)
		os.Exit(1)
	}
	return queryFlags
}

func (q *queryFlags) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), q.timeout)
}

func exitOnError(conn *gochainhead.Connection, what string, err error) {
	if err == nil {
		return
	}
	fmt.Printf("ERROR: failure querying %s: %s\n", what, err)
	_ = conn.Close()
	os.Exit(1)
}

func runHeader(f *common.GlobalFlags) {
	queryFlags := parseQueryFlags(f, "header")
	conn := common.CreateClientConnection(f)
	defer conn.Close()
	ctx, cancel := queryFlags.context()
	defer cancel()
	header, err := conn.ChainHead().Header(ctx, queryFlags.at)
	exitOnError(conn, "header", err)
	fmt.Printf("header: %s\n", header)
}

func runBody(f *common.GlobalFlags) {
	queryFlags := parseQueryFlags(f, "body")
	conn := common.CreateClientConnection(f)
	defer conn.Close()
	ctx, cancel := queryFlags.context()
	defer cancel()
	body, err := conn.ChainHead().Body(ctx, queryFlags.at)
	exitOnError(conn, "body", err)
	fmt.Printf("body: %d extrinsics\n", len(body))
	for idx, extrinsic := range body {
		fmt.Printf("  %d: %s\n", idx, extrinsic)
	}
}

func runCall(f *common.GlobalFlags) {
	queryFlags := parseQueryFlags(f, "call")
	args := queryFlags.flagset.Args()
	if len(args) < 1 {
		fmt.Printf("ERROR: you must specify a runtime function\n")
		os.Exit(1)
	}
	params := "0x"
	if len(args) > 1 {
		params = args[1]
	}
	conn := common.CreateClientConnection(f)
	defer conn.Close()
	ctx, cancel := queryFlags.context()
	defer cancel()
	result, err := conn.ChainHead().Call(ctx, args[0], params, queryFlags.at)
	exitOnError(conn, "call", err)
	fmt.Printf("%s: %s\n", args[0], result)
}

func runStorage(f *common.GlobalFlags) {
	queryFlags := parseQueryFlags(f, "storage")
	args := queryFlags.flagset.Args()
	var keys []string
	if queryFlags.pallet != "" {
		key, err := entryKey(queryFlags, args)
		if err != nil {
			fmt.Printf("ERROR: %s\n", err)
			os.Exit(1)
		}
		keys = []string{key}
	} else {
		keys = args
	}
	if len(keys) == 0 {
		fmt.Printf("ERROR: you must specify storage keys or -pallet and -item\n")
		os.Exit(1)
	}
	conn := common.CreateClientConnection(f)
	defer conn.Close()
	ctx, cancel := queryFlags.context()
	defer cancel()
	if queryFlags.childTrie != "" {
		items := make([]chainhead.StorageQueryItem, 0, len(keys))
		for _, key := range keys {
			items = append(
				items,
				chainhead.StorageQueryItem{
					Key:  key,
					Type: chainhead.StorageValue,
				},
			)
		}
		results, err := conn.ChainHead().Storage(ctx, items, queryFlags.childTrie, queryFlags.at)
		exitOnError(conn, "storage", err)
		for _, result := range results {
			fmt.Printf("%s: %s\n", result.Key, result.Value)
		}
		return
	}
	values, err := conn.Storage().QueryAt(ctx, keys, queryFlags.at)
	exitOnError(conn, "storage", err)
	for _, key := range keys {
		value, ok := values[key]
		if !ok {
			fmt.Printf("%s: <none>\n", key)
			continue
		}
		fmt.Printf("%s: %s\n", key, value)
	}
}

// entryKey builds the storage key of a pallet item from hex-encoded key arguments
func entryKey(q *queryFlags, args []string) (string, error) {
	entry := storage.Entry{
		Pallet: q.pallet,
		Item:   q.item,
	}
	keyArgs := make([][]byte, 0, len(args))
	for _, arg := range args {
		hasher, ok := storage.HasherByName(q.hashers)
		if !ok {
			return "", fmt.Errorf("unknown hasher: %s", q.hashers)
		}
		data, err := storage.DecodeHex(arg)
		if err != nil {
			return "", err
		}
		entry.Hashers = append(entry.Hashers, hasher)
		keyArgs = append(keyArgs, data)
	}
	registry, err := storage.NewRegistry(entry)
	if err != nil {
		return "", err
	}
	keyFunc, err := registry.Accessor(q.pallet, q.item)
	if err != nil {
		return "", err
	}
	return keyFunc(keyArgs...)
}
