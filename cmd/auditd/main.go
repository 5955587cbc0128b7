// Command auditd mirrors MediConnect document store mutations into the audit log,
// serves the compliance query API and runs the backup and retention jobs.
package main

import (
	"os"

	_ "time/tzdata"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
