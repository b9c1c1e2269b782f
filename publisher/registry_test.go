package publisher

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kmal808/litebase/cfg"
	"github.com/kmal808/litebase/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSinksMu sync.Mutex
	testSinks   = map[string]*mockSink{}
)

func init() {
	RegisterSink("test-recording", func(config cfg.SinkConfiguration) (Sink, error) {
		snk := &mockSink{}
		testSinksMu.Lock()
		testSinks[config.Name] = snk
		testSinksMu.Unlock()
		return snk, nil
	})
	RegisterTransformer("test-seq", func() Transformer { return seqTransformer{} })
}

// seqTransformer encodes the record as JSON so tests can inspect the stamped fields
type seqTransformer struct{}

func (seqTransformer) Transform(rec Record) ([]byte, error) { return json.Marshal(rec) }
func (seqTransformer) Tombstone(string) []byte              { return nil }

func sinkNamed(t *testing.T, name string) *mockSink {
	testSinksMu.Lock()
	defer testSinksMu.Unlock()
	snk, ok := testSinks[name]
	require.True(t, ok, "sink %s was not created", name)
	return snk
}

func sinkConfig(name string) cfg.SinkConfiguration {
	return cfg.SinkConfiguration{
		Name:           name,
		Type:           "test-recording",
		Format:         "test-seq",
		TopicPrefix:    "litebase",
		RetryInitialMS: 1,
		RetryMaxMS:     5,
	}
}

func changeEvent(table string) common.ChangeEvent {
	return common.ChangeEvent{
		Namespace: "project_abc",
		Table:     table,
		Operation: common.OpInsert,
		Row:       json.RawMessage(`{"id":"r1"}`),
	}
}

func TestRegistry_HandleChangeBeforeStartIsNoop(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{NodeID: 7, SinkConfigs: []cfg.SinkConfiguration{sinkConfig("idle")}})
	require.NoError(t, err)

	r.HandleChange(changeEvent("users"))

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Queued)
}

func TestRegistry_StampsRecords(t *testing.T) {
	resolve := func(namespace string) (string, bool) {
		if namespace == "project_abc" {
			return "abc", true
		}
		return "", false
	}
	r, err := NewRegistry(RegistryConfig{
		NodeID:      7,
		Resolve:     resolve,
		SinkConfigs: []cfg.SinkConfiguration{sinkConfig("stamped")},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	r.HandleChange(changeEvent("users"))
	r.HandleChange(changeEvent("posts"))

	snk := sinkNamed(t, "stamped")
	require.Eventually(t, func() bool { return len(snk.published()) == 2 }, 2*time.Second, time.Millisecond)

	calls := snk.published()
	var first, second Record
	require.NoError(t, json.Unmarshal(calls[0].value, &first))
	require.NoError(t, json.Unmarshal(calls[1].value, &second))

	assert.Equal(t, "abc", first.TenantID)
	assert.Equal(t, uint64(7), first.NodeID)
	assert.Less(t, first.Seq, second.Seq)
	assert.Equal(t, "litebase.project_abc.users", calls[0].topic)
	assert.Equal(t, "project_abc.users:r1", calls[0].key)
	assert.Equal(t, "litebase.project_abc.posts", calls[1].topic)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "stamped", stats[0].Name)
	assert.Equal(t, uint64(2), stats[0].Published)
}

func TestRegistry_FanOutToEverySink(t *testing.T) {
	users := sinkConfig("fan-users")
	users.FilterTables = []string{"users"}
	all := sinkConfig("fan-all")

	r, err := NewRegistry(RegistryConfig{SinkConfigs: []cfg.SinkConfiguration{users, all}})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	r.HandleChange(changeEvent("users"))
	r.HandleChange(changeEvent("audit"))

	allSink := sinkNamed(t, "fan-all")
	usersSink := sinkNamed(t, "fan-users")
	require.Eventually(t, func() bool { return len(allSink.published()) == 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(usersSink.published()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "litebase.project_abc.users", usersSink.published()[0].topic)
}

func TestRegistry_AddSinkWhileRunning(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	require.NoError(t, r.AddSink(sinkConfig("late")))
	r.HandleChange(changeEvent("users"))

	snk := sinkNamed(t, "late")
	require.Eventually(t, func() bool { return len(snk.published()) == 1 }, 2*time.Second, time.Millisecond)
}

func TestRegistry_ConfigErrors(t *testing.T) {
	unknownType := sinkConfig("bad-type")
	unknownType.Type = "carrier-pigeon"
	_, err := NewRegistry(RegistryConfig{SinkConfigs: []cfg.SinkConfiguration{unknownType}})
	assert.ErrorContains(t, err, "unknown sink type")

	unknownFormat := sinkConfig("bad-format")
	unknownFormat.Format = "avro"
	_, err = NewRegistry(RegistryConfig{SinkConfigs: []cfg.SinkConfiguration{unknownFormat}})
	assert.ErrorContains(t, err, "unknown format")
	assert.True(t, sinkNamed(t, "bad-format").closed.Load())

	badGlob := sinkConfig("bad-glob")
	badGlob.FilterTables = []string{"[unclosed"}
	_, err = NewRegistry(RegistryConfig{SinkConfigs: []cfg.SinkConfiguration{badGlob}})
	assert.Error(t, err)
}

func TestRegistry_Lifecycle(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{SinkConfigs: []cfg.SinkConfiguration{sinkConfig("lifecycle")}})
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())

	r.Stop()
	r.Stop()
	assert.True(t, sinkNamed(t, "lifecycle").closed.Load())

	// Stopped registries ignore changes again.
	r.HandleChange(changeEvent("users"))
	assert.Equal(t, 0, r.Stats()[0].Queued)
}
