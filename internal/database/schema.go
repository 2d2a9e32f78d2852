package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// DatasetJob tracks one dataset preparation run: raw dialogue/summary
// splits converted into Bedrock tuning and batch inference JSONL files.
type DatasetJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	SourceS3Path string `gorm:"not null"`

	TrainingDataUri   sql.NullString
	ValidationDataUri sql.NullString
	TestDataUri       sql.NullString
	BatchInputUri     sql.NullString

	TrainingRecords   int `gorm:"default:0"`
	ValidationRecords int `gorm:"default:0"`
	TestRecords       int `gorm:"default:0"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []JobError `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

const (
	BackendBedrock   string = "bedrock"
	BackendSageMaker string = "sagemaker"
)

// TuningJob tracks one fine-tuning run, on Bedrock model customization or
// a SageMaker training job depending on Backend.
type TuningJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	JobName     string `gorm:"not null"`
	Backend     string `gorm:"size:20;not null"`
	BaseModelId string `gorm:"not null"`

	JobArn          sql.NullString
	OutputModelArn  sql.NullString
	OutputModelUri  sql.NullString
	TrainingDataUri string
	OutputDataUri   string

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []JobError `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

// BatchInferenceJob tracks one Bedrock model invocation job over a
// prepared batch input file.
type BatchInferenceJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	JobName string `gorm:"not null"`
	ModelId string `gorm:"not null"`

	JobArn    sql.NullString
	InputUri  string `gorm:"not null"`
	OutputUri string `gorm:"not null"`

	// References for scoring the outputs. Kept on the job so an
	// evaluation can run without re-resolving the source dataset.
	ReferencesUri string
	Evaluate      bool `gorm:"default:false"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []JobError `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

// Evaluation tracks one ROUGE scoring run over a completed batch
// inference job's outputs.
type Evaluation struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	BatchJobId uuid.UUID          `gorm:"type:uuid"`
	BatchJob   *BatchInferenceJob `gorm:"foreignKey:BatchJobId"`

	RecordCount int            `gorm:"default:0"`
	Metrics     datatypes.JSON // {"rouge1":…,"rouge2":…,"rougeL":…}
	ReportUri   sql.NullString

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []JobError `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

type JobError struct {
	JobId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Error     string
	Timestamp time.Time
}
