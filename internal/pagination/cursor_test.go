package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

func TestCursor_EncodeDecode(t *testing.T) {
	token := Encode(t0, "trd_abc")
	c, err := Decode(token)
	require.NoError(t, err)
	assert.True(t, t0.Equal(c.CreatedAt))
	assert.Equal(t, "trd_abc", c.ID)
}

func TestDecode_FirstPage(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Rejects(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	for name, token := range map[string]string{
		"not base64":    "%%%",
		"no separators": enc("k1"),
		"wrong version": enc("k0.abc.trd_1"),
		"bad timestamp": enc("k1.!!.trd_1"),
		"empty id":      enc("k1.abc."),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(token)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestCursor_Precedes(t *testing.T) {
	var none *Cursor
	assert.True(t, none.Precedes(t0, "x"))

	c := &Cursor{CreatedAt: t0, ID: "trd_m"}
	assert.True(t, c.Precedes(t0.Add(-time.Second), "trd_z"))
	assert.False(t, c.Precedes(t0.Add(time.Second), "trd_a"))
	assert.True(t, c.Precedes(t0, "trd_a"), "ties break on id")
	assert.False(t, c.Precedes(t0, "trd_m"))
	assert.False(t, c.Precedes(t0, "trd_z"))
}

func TestPage(t *testing.T) {
	type row struct {
		at time.Time
		id string
	}
	rows := []row{
		{t0, "c"},
		{t0.Add(-time.Minute), "b"},
		{t0.Add(-2 * time.Minute), "a"},
	}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page, next := Page(rows, 2, key)
	assert.Len(t, page, 2)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next = Page(rows, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}
