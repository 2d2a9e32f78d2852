package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/schollz/progressbar/v3"

	"tuning-backend/internal/database"
	"tuning-backend/internal/dataset"
	"tuning-backend/internal/s3"
	"tuning-backend/pkg/models"
)

// BatchInputSplit is the prepared batch inference input derived from the
// validation split.
const BatchInputSplit = "validation-batch"

// HandlePrepareDataTask converts raw dialogue/summary splits into the
// Bedrock tuning JSONL layout: prompt/completion files for training and
// validation, plus a recordId/modelInput file for batch inference.
func (p *Processor) HandlePrepareDataTask(ctx context.Context, payload models.PrepareDataPayload) error {
	slog.Info("handling prepare data task", "job_id", payload.JobId)

	var job database.DatasetJob
	if err := p.db.WithContext(ctx).First(&job, "id = ?", payload.JobId).Error; err != nil {
		return fmt.Errorf("failed to load dataset job %s: %w", payload.JobId, err)
	}

	if err := database.UpdateDatasetJobStatus(ctx, p.db, job.Id, database.JobRunning); err != nil {
		return err
	}

	if err := p.prepareData(ctx, &job); err != nil {
		database.SaveJobError(ctx, p.db, job.Id, err.Error())
		if dbErr := database.UpdateDatasetJobStatus(ctx, p.db, job.Id, database.JobFailed); dbErr != nil {
			slog.Error("failed to mark dataset job as failed", "job_id", job.Id, "error", dbErr)
		}
		return err
	}

	return database.UpdateDatasetJobStatus(ctx, p.db, job.Id, database.JobCompleted)
}

func (p *Processor) prepareData(ctx context.Context, job *database.DatasetJob) error {
	if err := p.store.CreateBucket(ctx, p.cfg.BedrockBucket); err != nil {
		return err
	}

	sourceBucket, sourcePrefix, err := s3.ParseS3Path(job.SourceS3Path)
	if err != nil {
		return err
	}

	fm := dataset.FieldMap{Input: p.cfg.Dataset.FieldMap.Input, Output: p.cfg.Dataset.FieldMap.Output}

	splits := make(map[string][]dataset.Record)
	for _, split := range dataset.Splits {
		key := path.Join(sourcePrefix, split+".jsonl")
		raw, err := p.store.DownloadObject(ctx, sourceBucket, key)
		if err != nil {
			if split == dataset.TestSplit {
				slog.Warn("test split not found, skipping", "bucket", sourceBucket, "key", key)
				continue
			}
			return fmt.Errorf("failed to download %s split: %w", split, err)
		}

		records, err := dataset.ReadRecords(bytes.NewReader(raw), fm)
		if err != nil {
			return fmt.Errorf("failed to parse %s split: %w", split, err)
		}
		if len(records) == 0 {
			return fmt.Errorf("%s split is empty", split)
		}
		splits[split] = records
	}

	updates := map[string]any{}

	for _, split := range []string{dataset.TrainingSplit, dataset.ValidationSplit, dataset.TestSplit} {
		records, ok := splits[split]
		if !ok {
			continue
		}

		uri, err := p.uploadTuningSplit(ctx, split, records)
		if err != nil {
			return err
		}

		switch split {
		case dataset.TrainingSplit:
			updates["training_data_uri"] = uri
			updates["training_records"] = len(records)
		case dataset.ValidationSplit:
			updates["validation_data_uri"] = uri
			updates["validation_records"] = len(records)
		case dataset.TestSplit:
			updates["test_data_uri"] = uri
			updates["test_records"] = len(records)
		}
	}

	batchUri, err := p.uploadBatchInput(ctx, splits[dataset.ValidationSplit])
	if err != nil {
		return err
	}
	updates["batch_input_uri"] = batchUri

	if err := p.db.WithContext(ctx).Model(&database.DatasetJob{Id: job.Id}).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to save dataset job uris: %w", err)
	}

	slog.Info("dataset prepared",
		"job_id", job.Id,
		"training_records", len(splits[dataset.TrainingSplit]),
		"validation_records", len(splits[dataset.ValidationSplit]),
		"batch_input_uri", batchUri)
	return nil
}

func (p *Processor) uploadTuningSplit(ctx context.Context, split string, records []dataset.Record) (string, error) {
	bar := progressbar.NewOptions(len(records),
		progressbar.OptionSetDescription(fmt.Sprintf("formatting %s split", split)),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	formatted := make([]dataset.TuningRecord, len(records))
	for i, rec := range records {
		formatted[i] = dataset.FormatTuningRecord(rec, p.cfg.TaskInstruction)
		_ = bar.Add(1)
	}

	var buf bytes.Buffer
	if err := dataset.WriteTuningRecords(&buf, formatted); err != nil {
		return "", err
	}

	return p.store.UploadDatasetSplit(ctx, p.cfg.BedrockDataDir, split, buf.Bytes())
}

func (p *Processor) uploadBatchInput(ctx context.Context, records []dataset.Record) (string, error) {
	var buf bytes.Buffer
	if err := dataset.WriteBatchInput(&buf, records, p.cfg.TaskInstruction, p.cfg.MaxGenLen, p.cfg.Temperature, p.cfg.TopP); err != nil {
		return "", err
	}

	return p.store.UploadDatasetSplit(ctx, p.cfg.BedrockDataDir, BatchInputSplit, buf.Bytes())
}
