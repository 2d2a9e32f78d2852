package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// ModelInput is the Llama text-generation request body, used both for
// single invocations and as the modelInput of batch inference records.
type ModelInput struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// BatchInputRecord is one line of a Bedrock batch inference input file.
// RecordIds are 1-indexed so predictions can be matched back to the
// 0-indexed dataset.
type BatchInputRecord struct {
	RecordId   string     `json:"recordId"`
	ModelInput ModelInput `json:"modelInput"`
}

// ReadRecords parses raw JSONL dataset records, extracting the input and
// reference fields named by the field map. Records missing either field
// are an error, matching the "required fields present" contract.
func ReadRecords(r io.Reader, fm FieldMap) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("invalid JSON on line %d: %w", line, err)
		}

		input, ok := fields[fm.Input].(string)
		if !ok {
			return nil, fmt.Errorf("line %d: missing or non-string field %q", line, fm.Input)
		}
		output, ok := fields[fm.Output].(string)
		if !ok {
			return nil, fmt.Errorf("line %d: missing or non-string field %q", line, fm.Output)
		}

		records = append(records, Record{Dialogue: input, Summary: output})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading records: %w", err)
	}

	return records, nil
}

// WriteTuningRecords writes prompt/completion pairs as JSONL.
func WriteTuningRecords(w io.Writer, records []TuningRecord) error {
	enc := json.NewEncoder(w)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("error writing tuning record %d: %w", i, err)
		}
	}
	return nil
}

// WriteBatchInput writes batch inference input records as JSONL, one per
// raw record, with 1-indexed record ids.
func WriteBatchInput(w io.Writer, records []Record, taskInstruction string, maxGenLen int, temperature, topP float64) error {
	enc := json.NewEncoder(w)
	for i, rec := range records {
		entry := BatchInputRecord{
			RecordId: strconv.Itoa(i + 1),
			ModelInput: ModelInput{
				Prompt:      BuildLlamaPrompt(rec.Dialogue, taskInstruction),
				MaxGenLen:   maxGenLen,
				Temperature: temperature,
				TopP:        topP,
			},
		}
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("error writing batch input record %d: %w", i+1, err)
		}
	}
	return nil
}
