package evaluation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Prediction is one line of a batch inference output file.
type Prediction struct {
	RecordId   string `json:"recordId"`
	Generation string `json:"generation"`
}

type batchOutputRecord struct {
	RecordId    string `json:"recordId"`
	ModelOutput struct {
		Generation string `json:"generation"`
	} `json:"modelOutput"`
	Error *struct {
		ErrorCode    int    `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	} `json:"error"`
}

// ReadPredictions parses a batch inference output stream (.jsonl.out).
// Records the batch job failed on carry an error object instead of a model
// output; those are logged and skipped.
func ReadPredictions(r io.Reader) ([]Prediction, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var predictions []Prediction
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var record batchOutputRecord
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return nil, fmt.Errorf("invalid json on line %d: %w", line, err)
		}
		if record.Error != nil {
			slog.Warn("skipping failed record", "record_id", record.RecordId, "error", record.Error.ErrorMessage)
			continue
		}

		predictions = append(predictions, Prediction{
			RecordId:   record.RecordId,
			Generation: record.ModelOutput.Generation,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read predictions: %w", err)
	}

	return predictions, nil
}

// RecordResult pairs one prediction with its reference and scores.
type RecordResult struct {
	RecordId   string      `json:"recordId"`
	Prediction string      `json:"prediction"`
	Reference  string      `json:"reference"`
	Scores     RougeScores `json:"scores"`
}

// Report is the evaluation output for one batch inference run.
type Report struct {
	NumRecords int            `json:"num_records"`
	Mean       RougeScores    `json:"mean_scores"`
	Records    []RecordResult `json:"records"`
}

// Evaluate scores every reference against the prediction carrying its
// record id. Record ids are 1-indexed where the reference slice is
// 0-indexed; predictions whose id parses out of range are skipped with a
// warning. References the batch job produced no output for are scored
// against an empty prediction, so failed records pull the mean down.
func Evaluate(predictions []Prediction, references []string) (Report, error) {
	if len(references) == 0 {
		return Report{}, fmt.Errorf("no references to evaluate against")
	}

	matched := make(map[int]string, len(predictions))
	for _, p := range predictions {
		id, err := strconv.Atoi(p.RecordId)
		if err != nil {
			slog.Warn("skipping prediction with non-numeric record id", "record_id", p.RecordId)
			continue
		}
		idx := id - 1
		if idx < 0 || idx >= len(references) {
			slog.Warn("skipping prediction with out-of-range record id", "record_id", p.RecordId, "num_references", len(references))
			continue
		}
		matched[idx] = strings.TrimSpace(p.Generation)
	}

	if len(matched) == 0 {
		return Report{}, fmt.Errorf("no predictions matched a reference")
	}

	records := make([]RecordResult, 0, len(references))
	scores := make([]RougeScores, 0, len(references))
	for idx, reference := range references {
		prediction, ok := matched[idx]
		if !ok {
			slog.Warn("no prediction for record, scoring empty", "record_id", strconv.Itoa(idx+1))
		}
		result := RecordResult{
			RecordId:   strconv.Itoa(idx + 1),
			Prediction: prediction,
			Reference:  reference,
			Scores:     Score(prediction, reference),
		}
		records = append(records, result)
		scores = append(scores, result.Scores)
	}

	return Report{
		NumRecords: len(records),
		Mean:       MeanScores(scores),
		Records:    records,
	}, nil
}
