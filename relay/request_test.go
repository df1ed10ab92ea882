package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_RejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := NewRequest("GET", "/relative/path", nil, nil)
	assert.Error(t, err)
}

func TestNewRequest_UppercasesMethod(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("get", "http://x/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
}

func TestRequest_HeaderIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("GET", "http://x/", []HeaderField{{Name: "X-Token", Value: "abc"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "abc", req.Header("x-token"))
	assert.Equal(t, "abc", req.Header("X-TOKEN"))
	assert.Empty(t, req.Header("X-Other"))
}

func TestRequest_SetHeaderReplacesAllValues(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("GET", "http://x/", []HeaderField{
		{Name: "Accept", Value: "text/plain"},
		{Name: "accept", Value: "text/html"},
	}, nil)
	require.NoError(t, err)

	req.SetHeader("Accept", "application/json")

	count := 0
	for _, f := range req.Headers {
		if f.Name == "Accept" || f.Name == "accept" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, "application/json", req.Header("accept"))
}

func TestRequest_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("GET", "http://x/a", []HeaderField{{Name: "A", Value: "1"}}, []byte("body"))
	require.NoError(t, err)

	cl := req.clone()
	cl.Method = "POST"
	cl.URL.Path = "/b"
	cl.SetHeader("A", "2")

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a", req.URL.Path)
	assert.Equal(t, "1", req.Header("A"))
}

func TestHeaderFields_SortedByName(t *testing.T) {
	t.Parallel()

	fields := HeaderFields(map[string]string{
		"Zed":    "3",
		"Alpha":  "1",
		"Middle": "2",
	})

	require.Len(t, fields, 3)
	assert.Equal(t, "Alpha", fields[0].Name)
	assert.Equal(t, "Middle", fields[1].Name)
	assert.Equal(t, "Zed", fields[2].Name)
}

func TestNewJSONRequest(t *testing.T) {
	t.Parallel()

	req, err := NewJSONRequest("POST", "http://x/items", map[string]int{"n": 1})
	require.NoError(t, err)

	assert.Equal(t, "application/json", req.Header("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, string(req.Body))
}

func TestRequest_StdCarriesBody(t *testing.T) {
	t.Parallel()

	req, err := NewRequest("POST", "http://x/", nil, []byte("payload"))
	require.NoError(t, err)

	hr, err := req.std()
	require.NoError(t, err)
	assert.Equal(t, int64(7), hr.ContentLength)
	require.NotNil(t, hr.GetBody)

	// The body must be replayable.
	for i := 0; i < 2; i++ {
		rc, err := hr.GetBody()
		require.NoError(t, err)
		buf := make([]byte, 16)
		n, _ := rc.Read(buf)
		assert.Equal(t, "payload", string(buf[:n]))
	}
}
