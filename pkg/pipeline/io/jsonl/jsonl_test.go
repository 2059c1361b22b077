package jsonl_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/palantir/extractpipe/pkg/pipeline/io/jsonl"
	"github.com/palantir/extractpipe/pkg/pipeline/record"
)

type countingObserver struct {
	mu        sync.Mutex
	malformed map[string]int
}

func (c *countingObserver) RowsFlushed(uint32, int)      {}
func (c *countingObserver) WorkerStarted(string)         {}
func (c *countingObserver) WorkerFinished(string, error) {}
func (c *countingObserver) MalformedLine(unit string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.malformed == nil {
		c.malformed = map[string]int{}
	}
	c.malformed[unit]++
}

func TestStream_SkipsBlankAndMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"name": "a", "n": 1}`,
		``,
		`   `,
		`{not json`,
		`[1, 2, 3]`,
		`{"name": "b", "n": 18446744073709551615}`,
		`{"name": "c"}`,
	}, "\n")

	core, logs := observer.New(zapcore.WarnLevel)
	obs := &countingObserver{}
	var got []record.Record
	stats, err := jsonl.Stream(strings.NewReader(input), func(r record.Record) error {
		got = append(got, r)
		return nil
	}, jsonl.StreamOptions{Unit: "Foo.lean", Logger: zap.New(core), Observer: obs})
	require.NoError(t, err)

	assert.Equal(t, jsonl.StreamStats{Lines: 7, Records: 3, Malformed: 2}, stats)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Get("name").Str())
	assert.Equal(t, record.KindUint, got[1].Get("n").Kind())
	assert.Equal(t, 2, obs.malformed["Foo.lean"])

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.EqualValues(t, 4, entries[0].ContextMap()["line"])
	assert.EqualValues(t, 5, entries[1].ContextMap()["line"])
	assert.Equal(t, "Foo.lean", entries[0].ContextMap()["unit"])
}

func TestStream_LongMalformedLinePreviewIsTruncated(t *testing.T) {
	long := "{" + strings.Repeat("x", 500)
	core, logs := observer.New(zapcore.WarnLevel)
	_, err := jsonl.Stream(strings.NewReader(long), func(record.Record) error { return nil },
		jsonl.StreamOptions{Logger: zap.New(core)})
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	preview, _ := logs.All()[0].ContextMap()["preview"].(string)
	assert.Len(t, preview, 103)
	assert.True(t, strings.HasSuffix(preview, "..."))
}

func TestStream_HandlesVeryLongLines(t *testing.T) {
	big := `{"name": "` + strings.Repeat("y", 1<<20) + `"}` + "\n"
	var n int
	_, err := jsonl.Stream(strings.NewReader(big), func(r record.Record) error {
		n = len(r.Get("name").Str())
		return nil
	}, jsonl.StreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1<<20, n)
}

func TestStream_StopsOnSinkError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	stats, err := jsonl.Stream(strings.NewReader("{}\n{}\n{}\n"), func(record.Record) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}, jsonl.StreamOptions{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, stats.Records)
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestEmitter_WritesOneLinePerRecord(t *testing.T) {
	var out closeRecorder
	e := jsonl.NewEmitter(&out)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record.Record{"i": record.Int(int64(i)), "tags": record.List(record.String("a"))}
			assert.NoError(t, e.Add(rec))
		}(i)
	}
	wg.Wait()

	stats, err := e.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 20, stats.TotalRows)
	assert.Empty(t, stats.OutputRoot)
	assert.True(t, out.closed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 20)
	seen := map[float64]bool{}
	for _, l := range lines {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		seen[m["i"].(float64)] = true
	}
	assert.Len(t, seen, 20)

	assert.ErrorIs(t, e.Add(record.Record{}), jsonl.ErrEmitterClosed)
	_, err = e.Close()
	assert.ErrorIs(t, err, jsonl.ErrEmitterClosed)
}

func TestStreamLines_PassesObjectsVerbatim(t *testing.T) {
	objects := []string{
		`{"z": 1.0, "a": 2}`,
		`{"big": 12345678901234567890123}`,
		`{"x": 1e400}`,
		`{"name":"é","nested":{"b":[1,2.50]}}`,
	}
	input := strings.Join([]string{
		objects[0],
		`not json`,
		"  " + objects[1] + "  ",
		`[1]`,
		objects[2],
		`{"a": 1} trailing`,
		objects[3],
	}, "\n")

	obs := &countingObserver{}
	var got []string
	stats, err := jsonl.StreamLines(strings.NewReader(input), func(line []byte) error {
		got = append(got, string(line))
		return nil
	}, jsonl.StreamOptions{Unit: "Raw.lean", Observer: obs})
	require.NoError(t, err)
	assert.Equal(t, objects, got)
	assert.Equal(t, jsonl.StreamStats{Lines: 7, Records: 4, Malformed: 3}, stats)
	assert.Equal(t, 3, obs.malformed["Raw.lean"])
}

func TestEmitter_AddLineKeepsBytes(t *testing.T) {
	var out bytes.Buffer
	e := jsonl.NewEmitter(&out)

	lines := []string{`{"z": 1.0, "a": 2}`, `{"big": 12345678901234567890123}`, `{"x": 1e400}`}
	for _, l := range lines {
		require.NoError(t, e.AddLine([]byte(l)))
	}
	stats, err := e.Close()
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalRows)
	assert.Equal(t, strings.Join(lines, "\n")+"\n", out.String())
	assert.ErrorIs(t, e.AddLine([]byte(`{}`)), jsonl.ErrEmitterClosed)
}
