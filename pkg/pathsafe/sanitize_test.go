package pathsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeSegment(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "Util", "Util"},
		{"angle brackets", "A<B>C", "A_B_C"},
		{"colon", "Player:Health", "Player_Health"},
		{"pipe question star", `a|b?c*d`, "a_b_c_d"},
		{"quote", `say "hi"`, "say _hi_"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeSegment(tt.in))
		})
	}
}

func TestSanitizePath(t *testing.T) {
	got := SanitizePath([]string{"ReplicatedStorage", "Weird<Name>"})
	assert.Equal(t, []string{"ReplicatedStorage", "Weird_Name_"}, got)
}

func TestShortGUID(t *testing.T) {
	assert.Equal(t, "aaaabbbb", ShortGUID("aaaabbbbccccdddd", 8))
	assert.Equal(t, "abc", ShortGUID("abc", 8))
}
