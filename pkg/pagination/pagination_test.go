package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 4, 1, 10, 0, 0, 123, time.UTC), ID: uuid.New()}
	token := EncodeCursor(c)
	assert.NotContains(t, token, "=")

	parsed, err := ParseCursor(" " + token + " ")
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.True(t, parsed.CreatedAt.Equal(c.CreatedAt))
	assert.Equal(t, c.ID, parsed.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	parsed, err := ParseCursor("")
	require.NoError(t, err)
	assert.Nil(t, parsed)

	for _, bad := range []string{"notbase64!", rawToken("no-separator"), rawToken("yesterday|" + uuid.NewString()), rawToken(time.Now().Format(time.RFC3339Nano) + "|nope")} {
		_, err := ParseCursor(bad)
		assert.Error(t, err, bad)
	}
}

func TestPage(t *testing.T) {
	rows := []int{1, 2, 3}
	key := func(n int) Cursor { return Cursor{CreatedAt: time.Unix(int64(n), 0).UTC(), ID: uuid.Nil} }

	page, next := Page(rows, 2, key)
	assert.Equal(t, []int{1, 2}, page)
	parsed, err := ParseCursor(next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), parsed.CreatedAt.Unix())

	page, next = Page(rows[:2], 2, key)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+50))
	assert.Equal(t, MaxLimit+1, LimitWithBuffer(1000))
}

func rawToken(payload string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}
