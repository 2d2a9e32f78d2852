package dataset

import "fmt"

// Splits mirror the source dataset layout. Training data feeds the
// customization job, validation data feeds batch inference and evaluation.
const (
	TrainingSplit   = "training"
	ValidationSplit = "validation"
	TestSplit       = "test"
)

var Splits = []string{TrainingSplit, ValidationSplit, TestSplit}

// FieldMap names the raw record fields holding the input text and the
// reference summary (e.g. "dialogue" -> "summary" for samsum).
type FieldMap struct {
	Input  string
	Output string
}

// Record is one raw dataset sample after field-map extraction.
type Record struct {
	Dialogue string
	Summary  string
}

// TuningRecord is the prompt/completion pair Bedrock expects in the
// fine-tuning JSONL schema for Llama models.
type TuningRecord struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// BuildLlamaPrompt wraps the dialogue in the Llama 3 chat template. The
// template must match what the base model was trained on or generation
// quality degrades badly.
func BuildLlamaPrompt(dialogue, taskInstruction string) string {
	userMessage := fmt.Sprintf("%s\n\n## Dialogue:\n%s\n## Summary:", taskInstruction, dialogue)

	return fmt.Sprintf(`<|begin_of_text|><|start_header_id|>user<|end_header_id|>
%s
<|eot_id|>
<|start_header_id|>assistant<|end_header_id|>
`, userMessage)
}

// FormatTuningRecord converts a raw record into the prompt/completion pair.
// The completion carries the closing <|eot_id|> tag so the tuned model
// learns to terminate.
func FormatTuningRecord(rec Record, taskInstruction string) TuningRecord {
	return TuningRecord{
		Prompt:     BuildLlamaPrompt(rec.Dialogue, taskInstruction),
		Completion: fmt.Sprintf(" %s<|eot_id|>", rec.Summary),
	}
}
