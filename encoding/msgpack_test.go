package encoding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripRowMap(t *testing.T) {
	row := map[string]interface{}{
		"id":     int64(42),
		"name":   "alice",
		"active": true,
		"score":  3.5,
		"tags":   []interface{}{"a", "b"},
	}

	data, err := Marshal(row)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, Unmarshal(data, &decoded))

	assert.Equal(t, int64(42), decoded["id"])
	assert.Equal(t, "alice", decoded["name"])
	assert.Equal(t, true, decoded["active"])
	assert.Equal(t, 3.5, decoded["score"])
	assert.Equal(t, []interface{}{"a", "b"}, decoded["tags"])
}

func TestStructTags(t *testing.T) {
	type event struct {
		Table     string    `msgpack:"tbl"`
		Namespace string    `json:"namespace"`
		EmittedAt time.Time `msgpack:"ts"`
	}
	in := event{Table: "users", Namespace: "project_a", EmittedAt: time.Unix(1700000000, 0).UTC()}

	data, err := Marshal(in)
	require.NoError(t, err)

	var keys map[string]interface{}
	require.NoError(t, Unmarshal(data, &keys))
	assert.Contains(t, keys, "tbl")
	assert.Contains(t, keys, "namespace")
	assert.Contains(t, keys, "ts")

	var out event
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.Table, out.Table)
	assert.Equal(t, in.Namespace, out.Namespace)
	assert.True(t, in.EmittedAt.Equal(out.EmittedAt))
}

func TestUnmarshalInvalid(t *testing.T) {
	var v map[string]interface{}
	assert.Error(t, Unmarshal([]byte{0xc1}, &v))
	assert.Error(t, Unmarshal(nil, &v))
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				data, err := Marshal(map[string]interface{}{"n": int64(n), "j": int64(j)})
				if !assert.NoError(t, err) {
					return
				}
				var out map[string]interface{}
				if !assert.NoError(t, Unmarshal(data, &out)) {
					return
				}
				assert.Equal(t, int64(n), out["n"])
			}
		}(i)
	}
	wg.Wait()
}
