package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFieldMap = FieldMap{Input: "dialogue", Output: "summary"}

func TestReadRecords(t *testing.T) {
	raw := `{"id": "1", "dialogue": "A: hi\nB: hello", "summary": "Greeting."}
{"id": "2", "dialogue": "A: bye", "summary": "Farewell.", "extra": 42}
`
	records, err := ReadRecords(strings.NewReader(raw), testFieldMap)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, Record{Dialogue: "A: hi\nB: hello", Summary: "Greeting."}, records[0])
	assert.Equal(t, Record{Dialogue: "A: bye", Summary: "Farewell."}, records[1])
}

func TestReadRecordsSkipsBlankLines(t *testing.T) {
	raw := "{\"dialogue\": \"x\", \"summary\": \"y\"}\n\n{\"dialogue\": \"a\", \"summary\": \"b\"}\n"
	records, err := ReadRecords(strings.NewReader(raw), testFieldMap)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestReadRecordsMissingField(t *testing.T) {
	_, err := ReadRecords(strings.NewReader(`{"dialogue": "x"}`), testFieldMap)
	assert.ErrorContains(t, err, "summary")
}

func TestReadRecordsInvalidJson(t *testing.T) {
	_, err := ReadRecords(strings.NewReader("not json\n"), testFieldMap)
	assert.ErrorContains(t, err, "line 1")
}

func TestWriteBatchInput(t *testing.T) {
	records := []Record{
		{Dialogue: "A: hi", Summary: "Greeting."},
		{Dialogue: "A: bye", Summary: "Farewell."},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteBatchInput(&buf, records, "Summarize.", 128, 0.7, 0.9))

	var entries []BatchInputRecord
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var entry BatchInputRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}

	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].RecordId)
	assert.Equal(t, "2", entries[1].RecordId)
	assert.Equal(t, 128, entries[0].ModelInput.MaxGenLen)
	assert.Equal(t, 0.7, entries[0].ModelInput.Temperature)
	assert.Contains(t, entries[1].ModelInput.Prompt, "A: bye")
	// reference summaries never go into the inference input
	assert.NotContains(t, entries[0].ModelInput.Prompt, "Greeting.")
}

func TestWriteTuningRecords(t *testing.T) {
	records := []TuningRecord{
		FormatTuningRecord(Record{Dialogue: "A: hi", Summary: "Greeting."}, "Summarize."),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTuningRecords(&buf, records))

	var decoded TuningRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, records[0], decoded)
}
