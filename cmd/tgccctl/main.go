// tgccctl is the admin CLI for a running tgcc daemon. It talks to the
// per-agent control sockets with newline-delimited JSON.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tgcc/tgcc/internal/adminsock"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  tgccctl [-socket-dir DIR] <agent> status
  tgccctl [-socket-dir DIR] <agent> message <text...>
`)
	os.Exit(2)
}

func defaultSocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tgcc")
	}
	return filepath.Join(os.TempDir(), "tgcc")
}

func main() {
	socketDir := flag.String("socket-dir", defaultSocketDir(), "daemon socket directory")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}
	agent, cmd := args[0], args[1]

	client, err := adminsock.Dial(filepath.Join(*socketDir, "ctl", agent+".sock"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "tgccctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	switch cmd {
	case "status":
		st, err := client.Status(agent)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tgccctl: %v\n", err)
			os.Exit(1)
		}
		printStatus(st)

	case "message":
		if len(args) < 3 {
			usage()
		}
		text := strings.Join(args[2:], " ")
		if err := client.Message(agent, text); err != nil {
			fmt.Fprintf(os.Stderr, "tgccctl: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

func printStatus(st map[string]any) {
	keys := make([]string, 0, len(st))
	for key := range st {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, err := json.Marshal(st[key])
		if err != nil {
			continue
		}
		fmt.Printf("%-12s %s\n", key, value)
	}
}
