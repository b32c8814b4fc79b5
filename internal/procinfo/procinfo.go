// Package procinfo resolves the local process (if any) listening on a
// discovered server's loopback port, the loopback PID enrichment described
// in SPEC_FULL.md "Supplemented features" #5. It is always best-effort: a
// failure to resolve is never an error, only an empty result.
package procinfo

import (
	"net/url"
	"strconv"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ResolveLoopback finds the PID and executable name of the process
// listening on serverURL's port, if the host is a loopback address and the
// local machine happens to be running it.
func ResolveLoopback(serverURL string) (pid int32, name string, ok bool) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return 0, "", false
	}
	switch u.Hostname() {
	case "127.0.0.1", "::1", "localhost":
	default:
		return 0, "", false
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0, "", false
	}

	conns, err := gopsnet.Connections("inet")
	if err != nil {
		return 0, "", false
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		if !isLoopback(c.Laddr.IP) {
			continue
		}
		proc, err := process.NewProcess(c.Pid)
		if err != nil {
			return c.Pid, "", true
		}
		n, err := proc.Name()
		if err != nil {
			return c.Pid, "", true
		}
		return c.Pid, n, true
	}
	return 0, "", false
}

func isLoopback(ip string) bool {
	switch ip {
	case "127.0.0.1", "::1", "0.0.0.0", "":
		return true
	default:
		return false
	}
}
