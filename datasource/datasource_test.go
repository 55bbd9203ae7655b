package datasource_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketmux/rocketmux/datasource"
	"github.com/rocketmux/rocketmux/frame"
)

func TestParseRequest(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r, err := datasource.ParseRequest([]byte(`{"method":"echo","headers":{"tenant":"blue"},"payload":"ping"}`))
	a.NoError(err)
	a.Equal("echo", r.Method)
	a.Equal([]frame.Header{{Name: "tenant", Value: "blue"}}, r.Headers)
	a.Equal([]byte("ping"), r.Payload)

	r, err = datasource.ParseRequest([]byte(`{"method":"bare"}`))
	a.NoError(err)
	a.Equal("bare", r.Method)
	a.Empty(r.Headers)
	a.Empty(r.Payload)
}

func TestParseRequestSkipsUnknownFields(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	r, err := datasource.ParseRequest([]byte(`{"tag":{"nested":[1,2]},"method":"echo"}`))
	a.NoError(err)
	a.Equal("echo", r.Method)
}

func TestParseRequestErrors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	_, err := datasource.ParseRequest([]byte(`{"method":"x"`))
	a.Error(err)

	_, err = datasource.ParseRequest([]byte(`{"payload":"no method"}`))
	a.Error(err)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	path := filepath.Join(t.TempDir(), "requests.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"method":"echo","payload":"one"}`+"\n"+
			"\n"+
			`{"method":"hello","payload":"two"}`+"\n",
	), 0o644))

	reqs, err := datasource.LoadFile(path)
	a.NoError(err)
	a.Len(reqs, 2)
	a.Equal("echo", reqs[0].Method)
	a.Equal("hello", reqs[1].Method)
}

func TestLoadFileBadLine(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	path := filepath.Join(t.TempDir(), "requests.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"method":"ok"}`+"\n"+`not json`+"\n",
	), 0o644))

	_, err := datasource.LoadFile(path)
	a.ErrorContains(err, "line 2")
}

func TestLoadFileEmpty(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	path := filepath.Join(t.TempDir(), "requests.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := datasource.LoadFile(path)
	a.Error(err)
}

func TestCyclicWrapsAround(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c := datasource.NewCyclic([]datasource.Request{
		{Method: "a"}, {Method: "b"}, {Method: "c"},
	})
	var got []string
	for i := 0; i < 7; i++ {
		got = append(got, c.Fetch().Method)
	}
	a.Equal([]string{"a", "b", "c", "a", "b", "c", "a"}, got)
}
