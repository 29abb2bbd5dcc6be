package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidUserID(t *testing.T) {
	assert.True(t, IsValidUserID("student_1"))
	assert.True(t, IsValidUserID("a"))
	assert.True(t, IsValidUserID("Teacher-42"))
	assert.False(t, IsValidUserID(""))
	assert.False(t, IsValidUserID(strings.Repeat("a", 51)))
	assert.False(t, IsValidUserID("has space"))
	assert.False(t, IsValidUserID("émile"))
}

func TestIsValidSessionCode(t *testing.T) {
	assert.True(t, IsValidSessionCode("ABC123"))
	assert.False(t, IsValidSessionCode("abc123"))
	assert.False(t, IsValidSessionCode("ABC12"))
	assert.False(t, IsValidSessionCode("ABC1234"))
	assert.False(t, IsValidSessionCode(""))
}

func TestNewSessionCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := NewSessionCode()
		require.True(t, IsValidSessionCode(code), "generated code %q should validate", code)
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "I")
		assert.NotContains(t, code, "1")
		seen[code] = true
	}
	// 100 draws from a 32^6 space colliding would be remarkable.
	assert.Greater(t, len(seen), 95)
}

func TestIsValidRole(t *testing.T) {
	assert.True(t, IsValidRole(RoleTeacher))
	assert.True(t, IsValidRole(RoleStudent))
	assert.False(t, IsValidRole("admin"))
	assert.False(t, IsValidRole(""))
}

func TestControlSettings_Normalize(t *testing.T) {
	cs := ControlSettings{
		BlockedApps:     []string{"steam", "chrome", "discord"},
		BlockedWebsites: []string{"*.b.com", "*.a.com"},
	}
	cs.Normalize()
	assert.Equal(t, []string{"chrome", "discord", "steam"}, cs.BlockedApps)
	assert.Equal(t, []string{"*.a.com", "*.b.com"}, cs.BlockedWebsites)
}

func TestControlSettings_Clone(t *testing.T) {
	orig := ControlSettings{
		BlockedApps:     []string{"chrome"},
		BlockedWebsites: []string{"*.example.com"},
	}
	clone := orig.Clone()
	clone.BlockedApps[0] = "mutated"
	clone.BlockedWebsites[0] = "mutated"

	assert.Equal(t, "chrome", orig.BlockedApps[0])
	assert.Equal(t, "*.example.com", orig.BlockedWebsites[0])
}

func TestIdentity_IsTeacher(t *testing.T) {
	assert.True(t, Identity{Role: RoleTeacher}.IsTeacher())
	assert.False(t, Identity{Role: RoleStudent}.IsTeacher())
}
