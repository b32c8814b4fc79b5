package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrivacyFilter_IsAllowed(t *testing.T) {
	t.Run("empty directory always allowed", func(t *testing.T) {
		f := &PrivacyFilter{BlockedPaths: []string{"/secret"}}
		assert.True(t, f.IsAllowed(""))
	})

	t.Run("blocked path and its children rejected", func(t *testing.T) {
		f := &PrivacyFilter{BlockedPaths: []string{"/secret"}}
		assert.False(t, f.IsAllowed("/secret"))
		assert.False(t, f.IsAllowed("/secret/nested"))
		assert.True(t, f.IsAllowed("/other"))
	})

	t.Run("allow-list rejects everything not matching", func(t *testing.T) {
		f := &PrivacyFilter{AllowedPaths: []string{"/work"}}
		assert.True(t, f.IsAllowed("/work/project"))
		assert.False(t, f.IsAllowed("/home/user"))
	})
}

func TestPrivacyFilter_ApplySession_NeverMutatesOriginal(t *testing.T) {
	f := &PrivacyFilter{MaskWorkingDirs: true, MaskSessionIDs: true}
	s := &Session{ID: "abc123", Directory: "/home/user/project"}

	masked := f.ApplySession(s)

	assert.Equal(t, "project", masked.Directory)
	assert.NotEqual(t, "abc123", masked.ID)
	assert.Equal(t, "abc123", s.ID, "original must be untouched")
	assert.Equal(t, "/home/user/project", s.Directory)
}

func TestPrivacyFilter_ApplyServer_MasksPID(t *testing.T) {
	f := &PrivacyFilter{MaskPIDs: true}
	srv := &Server{LocalPID: 1234, LocalProcessName: "node"}
	masked := f.ApplyServer(srv)
	assert.Equal(t, int32(0), masked.LocalPID)
	assert.Equal(t, "", masked.LocalProcessName)
	assert.Equal(t, int32(1234), srv.LocalPID)
}

func TestPrivacyFilter_IsNoop(t *testing.T) {
	assert.True(t, (&PrivacyFilter{}).IsNoop())
	assert.False(t, (&PrivacyFilter{MaskPIDs: true}).IsNoop())
}

func TestPrivacyFilter_FilterSessions_DropsBlocked(t *testing.T) {
	f := &PrivacyFilter{BlockedPaths: []string{"/secret"}}
	sessions := []*Session{
		{ID: "a", Directory: "/secret"},
		{ID: "b", Directory: "/ok"},
	}
	out := f.FilterSessions(sessions)
	assert.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}
