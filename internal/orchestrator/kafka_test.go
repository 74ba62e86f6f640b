package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestShardFor_SameProjectAlwaysRoutesToSameShard(t *testing.T) {
	t.Parallel()
	env := IngestEnvelope{TaskID: "t1", ProjectID: "proj-a", Kind: IngestSegment}
	payload := mustMarshal(t, env)

	first := shardFor(kafka.Message{Key: []byte("t1"), Value: payload}, 8)
	for i := 0; i < 20; i++ {
		env.TaskID = "t-other"
		payload := mustMarshal(t, env)
		got := shardFor(kafka.Message{Key: []byte("t-other"), Value: payload}, 8)
		require.Equal(t, first, got, "messages for the same project must land on the same shard regardless of task id")
	}
}

func TestShardFor_DifferentProjectsCanRouteDifferently(t *testing.T) {
	t.Parallel()
	shardCount := 8
	seen := map[int]bool{}
	for i := 0; i < shardCount*4; i++ {
		env := IngestEnvelope{TaskID: "t", ProjectID: projectIDForIndex(i), Kind: IngestSegment}
		payload := mustMarshal(t, env)
		seen[shardFor(kafka.Message{Value: payload}, shardCount)] = true
	}
	require.Greater(t, len(seen), 1, "distinct projects should spread across more than one shard")
}

func TestShardFor_MalformedEnvelopeFallsBackToMessageKey(t *testing.T) {
	t.Parallel()
	a := shardFor(kafka.Message{Key: []byte("same-key"), Value: []byte("not json")}, 8)
	b := shardFor(kafka.Message{Key: []byte("same-key"), Value: []byte("{also not json")}, 8)
	require.Equal(t, a, b, "a malformed envelope should still route deterministically off the raw message key")
}

func projectIDForIndex(i int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return "proj-" + string(letters[i%len(letters)])
}

func mustMarshal(t *testing.T, env IngestEnvelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}
