//go:build windows

package supervisor

import "os"

// Windows has no SIGTERM for console processes.
func terminate(p *os.Process) error {
	return p.Kill()
}
