// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command muxis-cli is a small manual-testing client: it dials a
// cluster when -config names a config file, or a single node when
// -addr is given instead, and issues one command, printing the reply.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/SnellerInc/muxis"
	"github.com/SnellerInc/muxis/cluster"
	"github.com/SnellerInc/muxis/config"
	"github.com/SnellerInc/muxis/resp"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a cluster config YAML file")
		addr       = flag.String("addr", "", "single-node host:port (alternative to -config)")
		traceID    = flag.String("trace-id", "", "correlation id to tag this invocation's log lines with (default: random)")
		traceFile  = flag.String("trace-file", "", "path to append a zstd-compressed record of the command and its reply")
	)
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: muxis-cli [-config file.yaml | -addr host:port] COMMAND [ARGS...]")
		os.Exit(2)
	}
	if *traceID == "" {
		*traceID = uuid.NewString()
	}
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", *traceID), log.LstdFlags)

	cmd := cmdArray(args)

	var reply resp.Frame
	var err error
	switch {
	case *configPath != "":
		reply, err = runConfigured(*configPath, logger, cmd)
	case *addr != "":
		reply, err = runSingle(*addr, logger, cmd)
	default:
		fmt.Fprintln(os.Stderr, "one of -config or -addr is required")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(reply.String())

	if *traceFile != "" {
		if err := appendTrace(*traceFile, args, reply); err != nil {
			fmt.Fprintf(os.Stderr, "warning: trace capture failed: %v\n", err)
		}
	}
}

func runSingle(addr string, logger *log.Logger, cmd resp.Frame) (resp.Frame, error) {
	cl, err := muxis.Dial(addr, muxis.WithLogger(logger))
	if err != nil {
		return resp.Frame{}, err
	}
	defer cl.Close()
	return cl.Do(cmd)
}

func runConfigured(path string, logger *log.Logger, cmd resp.Frame) (resp.Frame, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return resp.Frame{}, err
	}
	opts := append(cfg.Options(), muxis.WithLogger(logger))
	rc, err := muxis.NewClusterClient(cfg.Seeds, opts...)
	if err != nil {
		return resp.Frame{}, err
	}
	defer rc.Close()
	if len(cmd.Array) < 2 {
		return resp.Frame{}, fmt.Errorf("cluster mode requires a command with at least one key argument")
	}
	key := string(cmd.Array[1].Bulk)
	slot := cluster.KeySlot(key)
	return rc.Execute(cmd, slot)
}

func cmdArray(args []string) resp.Frame {
	items := make([]resp.Frame, len(args))
	for i, a := range args {
		items[i] = resp.BulkFromString(a)
	}
	return resp.Array(items...)
}

// appendTrace records the command and its reply as a zstd-compressed
// line appended to path, for later offline inspection of a reproduction
// sequence without inflating the trace file on disk.
func appendTrace(path string, args []string, reply resp.Frame) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer enc.Close()

	line := fmt.Sprintf("%s => %s\n", strings.Join(args, " "), reply.String())
	if _, err := enc.Write([]byte(line)); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}
