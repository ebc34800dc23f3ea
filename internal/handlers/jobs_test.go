package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/pkg/logging"
)

func TestPenalizeOverdueBillsAppliesLatePayment(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	log := logging.NewLogger()
	jm := NewJobManager(mockDB, log, nil, hsi.NewEngine(mockDB, log), nil, nil)

	mock.ExpectQuery(`SELECT DISTINCT hs.house_id, b.id`).
		WillReturnRows(sqlmock.NewRows([]string{"house_id", "id"}).
			AddRow("house-1", "bill-1"))
	// late_payment grading: 50 - 5 = 45, bracket 5
	mock.ExpectQuery(`SELECT score FROM bursar.house_status_index`).
		WithArgs("house-1").
		WillReturnRows(sqlmock.NewRows([]string{"score"}).AddRow(50))
	mock.ExpectExec(`INSERT INTO bursar.house_status_index`).
		WithArgs("house-1", 45, 5, int64(11500), int64(9500), "late_payment").
		WillReturnResult(sqlmock.NewResult(0, 1))

	jm.penalizeOverdueBills(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPenalizeOverdueBillsNothingDue(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	log := logging.NewLogger()
	jm := NewJobManager(mockDB, log, nil, hsi.NewEngine(mockDB, log), nil, nil)

	mock.ExpectQuery(`SELECT DISTINCT hs.house_id, b.id`).
		WillReturnRows(sqlmock.NewRows([]string{"house_id", "id"}))

	jm.penalizeOverdueBills(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
