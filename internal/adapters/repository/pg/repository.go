package pg

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fuzzbench.harness/internal/core/domain"
)

// RunRecord is a row of the runs table.
type RunRecord struct {
	RunID          string `gorm:"primaryKey;size:64"`
	BenchmarkSet   string `gorm:"size:255;index"`
	OutputDir      string `gorm:"type:text"`
	FuzzerPath     string `gorm:"type:text"`
	TimeoutSeconds int
	UsePTX         bool
	Launcher       string `gorm:"size:16"`
	JobCount       int
	StartedAt      time.Time
	FinishedAt     *time.Time
	Cancelled      bool
	FatalError     string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RunRecord) TableName() string { return "runs" }

// OutcomeRecord is a row of the job_outcomes table. A run holds at most one
// row per job.
type OutcomeRecord struct {
	ID                  uint   `gorm:"primaryKey"`
	RunID               string `gorm:"size:64;not null;uniqueIndex:idx_job_outcomes_run_job"`
	JobID               string `gorm:"size:255;not null;uniqueIndex:idx_job_outcomes_run_job"`
	BenchmarkSet        string `gorm:"size:255;index"`
	Status              string `gorm:"size:32;not null;index"`
	WallTimeMs          int64
	ExitCode            *int
	Signal              string `gorm:"size:32"`
	Error               string `gorm:"type:text"`
	RequiresGPU         bool
	ArtifactPath        string `gorm:"type:text"`
	InstructionsCovered *int64
	BranchesCovered     *int64
	StartedAt           time.Time
	FinishedAt          time.Time
	CreatedAt           time.Time
}

func (OutcomeRecord) TableName() string { return "job_outcomes" }

// Repository mirrors runs and outcomes into Postgres.
type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&RunRecord{}, &OutcomeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return newRepository(db), nil
}

func newRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Name() string { return "postgres" }

// Publish inserts the outcome. A row that already exists for the job is left
// untouched.
func (r *Repository) Publish(ctx context.Context, run *domain.RunMeta, o *domain.JobOutcome) error {
	rec := toOutcomeRecord(run, o)
	if err := r.insertOutcome(ctx, rec).Error; err != nil {
		return fmt.Errorf("insert outcome %s: %w", o.JobID, err)
	}
	return nil
}

func (r *Repository) insertOutcome(ctx context.Context, rec *OutcomeRecord) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "job_id"}},
		DoNothing: true,
	}).Create(rec)
}

// SaveRun records the start of a run, replacing an earlier row for the same
// run id.
func (r *Repository) SaveRun(ctx context.Context, meta *domain.RunMeta) error {
	rec := &RunRecord{
		RunID:          meta.RunID,
		BenchmarkSet:   meta.BenchmarkSet,
		OutputDir:      meta.OutputDir,
		FuzzerPath:     meta.FuzzerPath,
		TimeoutSeconds: meta.TimeoutSeconds,
		UsePTX:         meta.UsePTX,
		Launcher:       meta.Launcher,
		JobCount:       len(meta.JobIDs),
		StartedAt:      meta.StartedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("save run %s: %w", meta.RunID, err)
	}
	return nil
}

// FinishRun stores how the run ended.
func (r *Repository) FinishRun(ctx context.Context, s *domain.Summary) error {
	finished := s.FinishedAt
	err := r.db.WithContext(ctx).Model(&RunRecord{}).
		Where("run_id = ?", s.RunID).
		Updates(map[string]interface{}{
			"finished_at": &finished,
			"cancelled":   s.Cancelled,
			"fatal_error": s.FatalError,
		}).Error
	if err != nil {
		return fmt.Errorf("finish run %s: %w", s.RunID, err)
	}
	return nil
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toOutcomeRecord(run *domain.RunMeta, o *domain.JobOutcome) *OutcomeRecord {
	rec := &OutcomeRecord{
		RunID:        o.RunID,
		JobID:        o.JobID,
		Status:       string(o.Status),
		WallTimeMs:   o.WallTimeMs,
		ExitCode:     o.ExitCode,
		Signal:       o.Signal,
		Error:        o.Error,
		RequiresGPU:  o.RequiresGPU,
		ArtifactPath: o.ArtifactPath,
		StartedAt:    o.StartedAt,
		FinishedAt:   o.FinishedAt,
	}
	if run != nil {
		rec.BenchmarkSet = run.BenchmarkSet
		if rec.RunID == "" {
			rec.RunID = run.RunID
		}
	}
	if m := o.Metrics; m != nil {
		instructions := int64(m.InstructionsCovered)
		branches := int64(m.BranchesCovered)
		rec.InstructionsCovered = &instructions
		rec.BranchesCovered = &branches
	}
	return rec
}
