package fleet

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
)

// PrivacyFilter applies masking and path-based filtering to sessions and
// servers before they leave the process boundary (TUI render, introspection
// server). The zero value is a no-op filter. Ported from the teacher's
// session.PrivacyFilter and generalized to also mask server directories.
type PrivacyFilter struct {
	MaskWorkingDirs bool
	MaskSessionIDs  bool
	MaskPIDs        bool
	AllowedPaths    []string
	BlockedPaths    []string
}

// IsAllowed reports whether a session/server with the given directory
// should be surfaced at all. An empty directory is always allowed.
func (f *PrivacyFilter) IsAllowed(directory string) bool {
	if directory == "" {
		return true
	}
	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, directory) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, directory) {
			return false
		}
	}
	return true
}

func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// ApplySession returns a masked copy of a session. The original is never
// modified.
func (f *PrivacyFilter) ApplySession(s *Session) *Session {
	masked := s.Clone()
	if f.MaskWorkingDirs && masked.Directory != "" {
		masked.Directory = filepath.Base(masked.Directory)
	}
	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}
	return masked
}

// ApplyServer returns a masked copy of a server.
func (f *PrivacyFilter) ApplyServer(s *Server) *Server {
	masked := s.Clone()
	if f.MaskWorkingDirs && masked.Directory != "" {
		masked.Directory = filepath.Base(masked.Directory)
	}
	if f.MaskPIDs {
		masked.LocalPID = 0
		masked.LocalProcessName = ""
	}
	return masked
}

// FilterSessions returns the subset of sessions allowed by path policy,
// masked.
func (f *PrivacyFilter) FilterSessions(sessions []*Session) []*Session {
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.Directory) {
			continue
		}
		out = append(out, f.ApplySession(s))
	}
	return out
}

// FilterServers returns the subset of servers allowed by path policy,
// masked. A server with an empty directory is always allowed (same rule
// as IsAllowed).
func (f *PrivacyFilter) FilterServers(servers []*Server) []*Server {
	out := make([]*Server, 0, len(servers))
	for _, s := range servers {
		if !f.IsAllowed(s.Directory) {
			continue
		}
		out = append(out, f.ApplyServer(s))
	}
	return out
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkingDirs && !f.MaskSessionIDs && !f.MaskPIDs &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
