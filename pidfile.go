package prefork

import (
	"os"
	"strconv"

	"github.com/google/renameio/v2"
)

// writePIDFile atomically writes the master pid so init systems and
// operators can signal the supervisor. A partially written pidfile is
// never observable.
func writePIDFile(path string, pid int) error {
	data := []byte(strconv.Itoa(pid) + "\n")
	return renameio.WriteFile(path, data, PIDFileMode)
}

// removePIDFile deletes the pidfile; a missing file is not an error
func removePIDFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// nothing useful to do at teardown; the stale file only holds
		// our own pid
		_ = err
	}
}
