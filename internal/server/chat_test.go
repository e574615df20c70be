package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zot/scholar-hub/internal/errs"
)

func TestMayListen(t *testing.T) {
	cases := []struct {
		name string
		user string
		room string
		want error
	}{
		{"participant", "u1", "dm:u1:u2", nil},
		{"other participant", "u2", "dm:u1:u2", nil},
		{"outsider", "u3", "dm:u1:u2", errs.ErrAuthorization},
		{"course room", "u3", "course:CS-101", nil},
		{"prefix of a participant", "a", "dm:a:b:c", errs.ErrValidation},
		{"participant id with separator", "a:b", "dm:a:b:c", errs.ErrValidation},
		{"not a room", "u1", "lobby", errs.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mayListen(tc.user, tc.room)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
