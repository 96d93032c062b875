package report

import "time"

type Report struct {
	ID            string
	UserID        string
	Filename      string
	ProcessedData string
	CreatedAt     time.Time
}

type DietPlan struct {
	ID        string
	UserID    string
	ReportID  string
	DietData  string
	CreatedAt time.Time
}
