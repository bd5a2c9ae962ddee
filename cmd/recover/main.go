// recover runs crash recovery against a mount/user pair's persistent
// regions, undoing whatever log entries the crashed process's helper
// thread never got a chance to trim. Run after a crash, before the
// program that owns those regions is restarted:
//
//	go run ./cmd/recover <mount> <user> <progname>
package main

import (
	"fmt"
	"os"

	"pmruntime/prm"
	"pmruntime/recovery"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: recover <mount> <user> <progname>")
		os.Exit(2)
	}
	mount, user, progName := os.Args[1], os.Args[2], os.Args[3]

	pm, err := prm.CreateInstance(mount, user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: open region manager: %v\n", err)
		os.Exit(1)
	}
	defer prm.DeleteInstance()

	n, err := recovery.Recover(pm, progName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recover: %v\n", err)
		os.Exit(1)
	}
	if n == 0 {
		fmt.Fprintln(os.Stderr, "recover: nothing to undo")
		os.Exit(0)
	}
	fmt.Printf("recover: undid %d log entries\n", n)
}
