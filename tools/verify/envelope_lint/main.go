// Command envelope_lint validates worker-written IPC envelope files without
// consuming them. Point it at a group's outbound or tasks directory to check
// that a worker's output would parse before the daemon picks it up:
//
//	go run ./tools/verify/envelope_lint -group g1 ~/.groupclaw/ipc/g1/outbound
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/groupclaw/internal/ipc"
)

func main() {
	groupID := flag.String("group", "lint", "group id to attribute envelopes to")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: envelope_lint [-group id] <dir>")
		os.Exit(2)
	}
	dir := flag.Arg(0)

	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", dir, err)
		os.Exit(1)
	}

	var checked, bad int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", name, err)
			bad++
			continue
		}
		checked++
		env, err := ipc.ParseEnvelope(*groupID, data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", name, err)
			bad++
			continue
		}
		fmt.Printf("OK   %s: %s\n", name, env.Type)
	}

	fmt.Printf("%d checked, %d invalid\n", checked, bad)
	if bad > 0 {
		os.Exit(1)
	}
}
