package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, userID, filename string, content []byte, processedData string) (Report, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Report{}, fmt.Errorf("generate report id: %w", err)
	}

	now := time.Now().UTC()
	rep := Report{
		ID:            id.String(),
		UserID:        userID,
		Filename:      filename,
		ProcessedData: processedData,
		CreatedAt:     now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO lab_reports (id, user_id, filename, content, processed_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rep.ID, rep.UserID, rep.Filename, content, rep.ProcessedData, rep.CreatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("insert lab report: %w", err)
	}

	return rep, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]Report, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, filename, processed_data, created_at
		FROM lab_reports
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query lab reports: %w", err)
	}
	defer rows.Close()

	reports := make([]Report, 0)
	for rows.Next() {
		var rep Report
		if err := rows.Scan(&rep.ID, &rep.UserID, &rep.Filename, &rep.ProcessedData, &rep.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lab report: %w", err)
		}
		reports = append(reports, rep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lab reports: %w", err)
	}

	return reports, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Report, error) {
	var rep Report
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, filename, processed_data, created_at
		FROM lab_reports
		WHERE id = $1
	`, id).Scan(&rep.ID, &rep.UserID, &rep.Filename, &rep.ProcessedData, &rep.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Report{}, err
		}
		return Report{}, fmt.Errorf("query lab report: %w", err)
	}

	return rep, nil
}

// GetContent returns the original uploaded PDF bytes.
func (r *Repository) GetContent(ctx context.Context, id string) ([]byte, error) {
	var content []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT content FROM lab_reports WHERE id = $1
	`, id).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query lab report content: %w", err)
	}

	return content, nil
}

func (r *Repository) GetDietPlanByReport(ctx context.Context, reportID string) (DietPlan, error) {
	var plan DietPlan
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, report_id, diet_data, created_at
		FROM diet_plans
		WHERE report_id = $1
	`, reportID).Scan(&plan.ID, &plan.UserID, &plan.ReportID, &plan.DietData, &plan.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DietPlan{}, err
		}
		return DietPlan{}, fmt.Errorf("query diet plan: %w", err)
	}

	return plan, nil
}

// CreateDietPlan persists a generated plan. At most one plan exists per
// report; a concurrent generation loses to the unique index and the
// winner's row is returned instead.
func (r *Repository) CreateDietPlan(ctx context.Context, userID, reportID, dietData string) (DietPlan, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return DietPlan{}, fmt.Errorf("generate diet plan id: %w", err)
	}

	now := time.Now().UTC()
	plan := DietPlan{
		ID:        id.String(),
		UserID:    userID,
		ReportID:  reportID,
		DietData:  dietData,
		CreatedAt: now,
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO diet_plans (id, user_id, report_id, diet_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (report_id) DO NOTHING
	`, plan.ID, plan.UserID, plan.ReportID, plan.DietData, plan.CreatedAt)
	if err != nil {
		return DietPlan{}, fmt.Errorf("insert diet plan: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return DietPlan{}, fmt.Errorf("diet plan rows affected: %w", err)
	}
	if affected == 0 {
		return r.GetDietPlanByReport(ctx, reportID)
	}

	return plan, nil
}
