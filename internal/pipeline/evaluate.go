package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"tuning-backend/internal/bedrock"
	"tuning-backend/internal/database"
	"tuning-backend/internal/dataset"
	"tuning-backend/internal/evaluation"
	"tuning-backend/internal/s3"
	"tuning-backend/pkg/models"
)

// HandleEvaluationTask scores a completed batch inference job's outputs
// against the reference summaries and writes a ROUGE report next to the
// batch outputs.
func (p *Processor) HandleEvaluationTask(ctx context.Context, payload models.EvaluationPayload) error {
	slog.Info("handling evaluation task", "evaluation_id", payload.EvaluationId)

	var eval database.Evaluation
	if err := p.db.WithContext(ctx).Preload("BatchJob").First(&eval, "id = ?", payload.EvaluationId).Error; err != nil {
		return fmt.Errorf("failed to load evaluation %s: %w", payload.EvaluationId, err)
	}
	if eval.BatchJob == nil {
		return fmt.Errorf("evaluation %s has no batch inference job", eval.Id)
	}

	if err := database.UpdateEvaluationStatus(ctx, p.db, eval.Id, database.JobRunning); err != nil {
		return err
	}

	if err := p.evaluate(ctx, &eval); err != nil {
		database.SaveJobError(ctx, p.db, eval.Id, err.Error())
		if dbErr := database.UpdateEvaluationStatus(ctx, p.db, eval.Id, database.JobFailed); dbErr != nil {
			slog.Error("failed to mark evaluation as failed", "evaluation_id", eval.Id, "error", dbErr)
		}
		return err
	}

	return database.UpdateEvaluationStatus(ctx, p.db, eval.Id, database.JobCompleted)
}

func (p *Processor) evaluate(ctx context.Context, eval *database.Evaluation) error {
	job := eval.BatchJob
	if !job.JobArn.Valid {
		return fmt.Errorf("batch job %s has no job arn, was it submitted?", job.Id)
	}
	if job.ReferencesUri == "" {
		return fmt.Errorf("batch job %s has no references uri", job.Id)
	}

	predictions, outputBucket, outputPrefix, err := p.loadPredictions(ctx, job)
	if err != nil {
		return err
	}

	references, err := p.loadReferences(ctx, job.ReferencesUri)
	if err != nil {
		return err
	}

	report, err := evaluation.Evaluate(predictions, references)
	if err != nil {
		return err
	}

	slog.Info("evaluation scored",
		"evaluation_id", eval.Id,
		"records", report.NumRecords,
		"rouge1", report.Mean.Rouge1,
		"rouge2", report.Mean.Rouge2,
		"rougeL", report.Mean.RougeL)

	reportBytes, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation report: %w", err)
	}

	reportUri, err := p.store.UploadObject(ctx, outputBucket, path.Join(outputPrefix, "evaluation.json"), bytes.NewReader(reportBytes))
	if err != nil {
		return err
	}

	metrics, err := json.Marshal(report.Mean)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := p.db.WithContext(ctx).Model(&database.Evaluation{Id: eval.Id}).Updates(map[string]any{
		"record_count": report.NumRecords,
		"metrics":      metrics,
		"report_uri":   reportUri,
	}).Error; err != nil {
		return fmt.Errorf("failed to save evaluation results: %w", err)
	}

	return nil
}

// loadPredictions downloads every .jsonl.out file the invocation job wrote
// under its output prefix. Bedrock nests outputs under the short job id.
func (p *Processor) loadPredictions(ctx context.Context, job *database.BatchInferenceJob) ([]evaluation.Prediction, string, string, error) {
	outputBucket, outputKey, err := s3.ParseS3Path(job.OutputUri)
	if err != nil {
		return nil, "", "", err
	}

	jobId := bedrock.JobIdFromArn(job.JobArn.String)
	prefix := path.Join(outputKey, jobId)

	keys, err := p.store.ListFiles(ctx, outputBucket, prefix)
	if err != nil {
		return nil, "", "", err
	}

	var predictions []evaluation.Prediction
	for _, key := range keys {
		if !strings.HasSuffix(key, ".jsonl.out") {
			continue
		}

		raw, err := p.store.DownloadObject(ctx, outputBucket, key)
		if err != nil {
			return nil, "", "", err
		}

		parsed, err := evaluation.ReadPredictions(bytes.NewReader(raw))
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to parse predictions in s3://%s/%s: %w", outputBucket, key, err)
		}
		predictions = append(predictions, parsed...)
	}

	if len(predictions) == 0 {
		return nil, "", "", fmt.Errorf("no predictions found under s3://%s/%s", outputBucket, prefix)
	}
	return predictions, outputBucket, prefix, nil
}

func (p *Processor) loadReferences(ctx context.Context, referencesUri string) ([]string, error) {
	refBucket, refKey, err := s3.ParseS3Path(referencesUri)
	if err != nil {
		return nil, err
	}

	raw, err := p.store.DownloadObject(ctx, refBucket, refKey)
	if err != nil {
		return nil, err
	}

	fm := dataset.FieldMap{Input: p.cfg.Dataset.FieldMap.Input, Output: p.cfg.Dataset.FieldMap.Output}
	records, err := dataset.ReadRecords(bytes.NewReader(raw), fm)
	if err != nil {
		return nil, fmt.Errorf("failed to parse references in %s: %w", referencesUri, err)
	}

	references := make([]string, len(records))
	for i, rec := range records {
		references[i] = rec.Summary
	}
	return references, nil
}
