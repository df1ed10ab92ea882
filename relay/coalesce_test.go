package relay

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestCoalesceKey_QueryOrderIndependent(t *testing.T) {
	t.Parallel()

	a := coalesceKey("GET", mustParse(t, "http://x/items?a=1&b=2"))
	b := coalesceKey("GET", mustParse(t, "http://x/items?b=2&a=1"))
	assert.Equal(t, a, b)
}

func TestCoalesceKey_DistinguishesRequests(t *testing.T) {
	t.Parallel()

	base := coalesceKey("GET", mustParse(t, "http://x/items"))

	assert.NotEqual(t, base, coalesceKey("HEAD", mustParse(t, "http://x/items")))
	assert.NotEqual(t, base, coalesceKey("GET", mustParse(t, "http://x/other")))
	assert.NotEqual(t, base, coalesceKey("GET", mustParse(t, "http://y/items")))
	assert.NotEqual(t, base, coalesceKey("GET", mustParse(t, "http://x/items?a=1")))
}

func TestCoalescable(t *testing.T) {
	t.Parallel()

	get, err := NewRequest("GET", "http://x/items", nil, nil)
	require.NoError(t, err)
	assert.True(t, coalescable(get))

	post, err := NewRequest("POST", "http://x/items", nil, nil)
	require.NoError(t, err)
	assert.False(t, coalescable(post))

	getWithBody, err := NewRequest("GET", "http://x/items", nil, []byte("payload"))
	require.NoError(t, err)
	assert.False(t, coalescable(getWithBody))
}
