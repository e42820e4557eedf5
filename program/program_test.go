package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		exp    string
		expErr bool
	}{
		{name: "plain identifier", in: "42", exp: "42"},
		{name: "source suffix is stripped", in: "42.py", exp: "42"},
		{name: "directory is stripped", in: "blocks/7.py", exp: "7"},
		{name: "windows directory is stripped", in: `blocks\7`, exp: "7"},
		{name: "only the last suffix is stripped", in: "a.py.py", exp: "a.py"},
		{name: "parent traversal", in: "../etc", expErr: true},
		{name: "nested traversal", in: "a/../../etc/passwd", expErr: true},
		{name: "bare parent", in: "..", expErr: true},
		{name: "bare dot", in: ".", expErr: true},
		{name: "empty", in: "", expErr: true},
		{name: "trailing separator", in: "42/", expErr: true},
		{name: "only suffix", in: ".py", expErr: true},
		{name: "nul byte", in: "4\x002", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, err := Normalize(c.in)
			if c.expErr {
				require.ErrorIs(t, err, ErrInvalidID)
				assert.Empty(t, id)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, id)
		})
	}
}
