package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func withFixedNow(t *testing.T) {
	t.Helper()
	original := nowFunc
	nowFunc = func() time.Time { return fixedNow }
	t.Cleanup(func() { nowFunc = original })
}

func expectCounts(mock sqlmock.Sqlmock, sagas, events int64) {
	mock.ExpectQuery("SELECT COUNT\\(DISTINCT saga_id\\), COUNT\\(\\*\\)").
		WillReturnRows(sqlmock.NewRows([]string{"sagas", "events"}).AddRow(sagas, events))
}

// expectChecks queues the four audit queries; nil rows mean an empty result.
func expectChecks(mock sqlmock.Sqlmock, dup, stale, overdue, open *sqlmock.Rows) {
	if dup == nil {
		dup = sqlmock.NewRows([]string{"saga_id", "count"})
	}
	if stale == nil {
		stale = sqlmock.NewRows([]string{"saga_id", "step_id", "service_name", "updated_at"})
	}
	if overdue == nil {
		overdue = sqlmock.NewRows([]string{"saga_id", "step_id", "type", "expires_at"})
	}
	if open == nil {
		open = sqlmock.NewRows([]string{"saga_id", "aborted_at"})
	}
	cutoff := fixedNow.Add(-5 * time.Minute)
	mock.ExpectQuery("WHERE type = 'SagaEnded'").WillReturnRows(dup)
	mock.ExpectQuery("FROM saga_alpha.commands").WithArgs(cutoff).WillReturnRows(stale)
	mock.ExpectQuery("FROM saga_alpha.tx_timeouts").WithArgs(cutoff).WillReturnRows(overdue)
	mock.ExpectQuery("a.type = 'StepAborted'").WithArgs(cutoff).WillReturnRows(open)
}

func baseConfig() auditConfig {
	return auditConfig{
		DBURL:      "postgres://localhost/db",
		Alert:      true,
		StaleAfter: 5 * time.Minute,
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"--db-url", "postgres://localhost/db", "--verbose", "--alert=false", "--fix",
		"--stale-after", "2m", "--report", "report.json", "--cron", "*/5 * * * *", "--history"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DBURL != "postgres://localhost/db" {
		t.Fatalf("unexpected db url: %s", cfg.DBURL)
	}
	if !cfg.Verbose || cfg.Alert || !cfg.Fix || !cfg.StoreHistory {
		t.Fatalf("unexpected bool flags: %+v", cfg)
	}
	if cfg.StaleAfter != 2*time.Minute {
		t.Fatalf("expected stale-after 2m, got %s", cfg.StaleAfter)
	}
	if cfg.ReportPath != "report.json" || cfg.Cron != "*/5 * * * *" {
		t.Fatalf("expected report and cron to be set")
	}

	defaults, err := parseFlags([]string{"--db-url", "postgres://localhost/db"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !defaults.Alert || defaults.StaleAfter != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}

	if _, err := parseFlags([]string{}); err == nil {
		t.Fatalf("expected error for missing db url")
	}
	if _, err := parseFlags([]string{"--db-url"}); err == nil {
		t.Fatalf("expected error for invalid args")
	}
	if _, err := parseFlags([]string{"--db-url", "x", "--stale-after", "-1m"}); err == nil {
		t.Fatalf("expected error for negative stale-after")
	}
}

func TestAuditPasses(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expectCounts(mock, 2, 9)
	expectChecks(mock, nil, nil, nil, nil)

	var out bytes.Buffer
	var errOut bytes.Buffer
	code, err := runWithDB(context.Background(), db, baseConfig(), &out, &errOut)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "Audit passed: 2 sagas, 9 events") {
		t.Fatalf("expected pass message, got %q", out.String())
	}
	if errOut.Len() != 0 {
		t.Fatalf("expected no stderr output, got %q", errOut.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditReportsEveryIssueKind(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expectCounts(mock, 4, 20)
	expectChecks(mock,
		sqlmock.NewRows([]string{"saga_id", "count"}).AddRow("g1", 2),
		sqlmock.NewRows([]string{"saga_id", "step_id", "service_name", "updated_at"}).
			AddRow("g2", "l1", "booking", fixedNow.Add(-time.Hour)),
		sqlmock.NewRows([]string{"saga_id", "step_id", "type", "expires_at"}).
			AddRow("g3", "l2", "StepStarted", fixedNow.Add(-time.Hour)),
		sqlmock.NewRows([]string{"saga_id", "aborted_at"}).AddRow("g4", fixedNow.Add(-time.Hour)),
	)

	var out bytes.Buffer
	var errOut bytes.Buffer
	code, err := runWithDB(context.Background(), db, baseConfig(), &out, &errOut)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	for _, want := range []string{
		"kind=duplicate_saga_ended, saga_id=g1",
		"kind=stale_command, saga_id=g2, step_id=l1",
		"kind=overdue_watch, saga_id=g3, step_id=l2",
		"kind=open_aborted_saga, saga_id=g4",
	} {
		if !strings.Contains(errOut.String(), want) {
			t.Fatalf("expected %q in output, got %q", want, errOut.String())
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunWithDBCountError(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(DISTINCT saga_id\\)").WillReturnError(errors.New("count failed"))

	code, err := runWithDB(context.Background(), db, baseConfig(), &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "failed to count events") {
		t.Fatalf("expected count error, got %v", err)
	}
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}

func TestRunWithDBCheckError(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expectCounts(mock, 1, 1)
	mock.ExpectQuery("WHERE type = 'SagaEnded'").WillReturnRows(sqlmock.NewRows([]string{"saga_id", "count"}))
	mock.ExpectQuery("FROM saga_alpha.commands").WillReturnError(errors.New("boom"))

	code, err := runWithDB(context.Background(), db, baseConfig(), &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "failed to query stale commands") {
		t.Fatalf("expected stale commands error, got %v", err)
	}
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCollectRowError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"saga_id", "count"}).
		AddRow("g1", 2).
		RowError(0, errors.New("row failed"))
	mock.ExpectQuery("WHERE type = 'SagaEnded'").WillReturnRows(rows)

	if _, err := fetchDuplicateEnded(context.Background(), db, fixedNow); err == nil {
		t.Fatalf("expected row error")
	}
}

func TestFixRemovesDuplicateClosuresOnly(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expectCounts(mock, 2, 10)
	expectChecks(mock,
		sqlmock.NewRows([]string{"saga_id", "count"}).AddRow("g1", 3),
		nil,
		nil,
		sqlmock.NewRows([]string{"saga_id", "aborted_at"}).AddRow("g4", fixedNow.Add(-time.Hour)),
	)
	mock.ExpectExec("DELETE FROM saga_alpha.tx_events e").
		WithArgs("SagaEnded").
		WillReturnResult(sqlmock.NewResult(0, 2))

	path := t.TempDir() + "/report.json"
	cfg := baseConfig()
	cfg.Fix = true
	cfg.ReportPath = path
	var errOut bytes.Buffer
	code, err := runWithDB(context.Background(), db, cfg, &bytes.Buffer{}, &errOut)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != 1 {
		t.Fatalf("expected exit code 1 for the remaining issue, got %d", code)
	}
	if strings.Contains(errOut.String(), "duplicate_saga_ended") {
		t.Fatalf("expected duplicate closure to be fixed, got %q", errOut.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected report file, got %v", err)
	}
	var report auditReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.IssueCount != 2 || report.FixedCount != 1 || report.UnresolvedCount != 1 {
		t.Fatalf("unexpected report counts: %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFixDuplicateClosuresSkipsDeleteWithoutDuplicates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	fixed, unresolved, err := fixDuplicateClosures(context.Background(), db, []issue{{Kind: kindStaleCommand, SagaID: "g1"}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(fixed) != 0 || len(unresolved) != 1 {
		t.Fatalf("unexpected split: fixed=%v unresolved=%v", fixed, unresolved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFixDuplicateClosuresExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM saga_alpha.tx_events e").WillReturnError(errors.New("delete failed"))

	if _, _, err := fixDuplicateClosures(context.Background(), db, []issue{{Kind: kindDuplicateEnded, SagaID: "g1"}}); err == nil {
		t.Fatalf("expected delete error")
	}
}

func TestRunWithDBStoresHistory(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expectCounts(mock, 1, 1)
	expectChecks(mock, nil, nil, nil, nil)
	mock.ExpectExec("INSERT INTO saga_alpha.audit_runs").
		WithArgs("2024-01-01T12:00:00Z", "ok", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	cfg := baseConfig()
	cfg.StoreHistory = true
	code, err := runWithDB(context.Background(), db, cfg, &bytes.Buffer{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreHistoryIssuesStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO saga_alpha.audit_runs").
		WithArgs("2024-01-01T00:00:00Z", "issues", 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	report := auditReport{RunAt: "2024-01-01T00:00:00Z", IssueCount: 3, UnresolvedCount: 3}
	if err := storeHistory(context.Background(), db, report); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookAlertsAndAlertDisabled(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expectCounts(mock, 1, 3)
	expectChecks(mock, nil, nil, nil,
		sqlmock.NewRows([]string{"saga_id", "aborted_at"}).AddRow("g4", fixedNow.Add(-time.Hour)))

	var payloads []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloads = append(payloads, payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := baseConfig()
	cfg.Alert = false
	cfg.Verbose = true
	cfg.WebhookURL = server.URL
	cfg.SlackWebhookURL = server.URL
	var out bytes.Buffer
	var errOut bytes.Buffer
	code, err := runWithDB(context.Background(), db, cfg, &out, &errOut)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != 0 {
		t.Fatalf("expected exit code 0 with alert disabled, got %d", code)
	}
	if !strings.Contains(out.String(), "Starting audit checks") {
		t.Fatalf("expected verbose output")
	}
	if len(payloads) != 2 {
		t.Fatalf("expected two webhook payloads, got %d", len(payloads))
	}
	if _, ok := payloads[0]["issues"]; !ok {
		t.Fatalf("expected issues in generic webhook payload, got %v", payloads[0])
	}
	if text, _ := payloads[1]["text"].(string); !strings.Contains(text, "saga_id=g4") {
		t.Fatalf("expected slack text to name the saga, got %q", text)
	}
	if strings.Contains(errOut.String(), "alert failed") {
		t.Fatalf("expected webhooks to succeed, got %q", errOut.String())
	}
}

func TestWebhookFailureIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := sendWebhook(context.Background(), server.URL, []issue{{Kind: kindOpenAborted, SagaID: "g1"}})
	if err == nil || !strings.Contains(err.Error(), "webhook status") {
		t.Fatalf("expected status error, got %v", err)
	}
	if err := sendSlackWebhook(context.Background(), "://bad", nil); err == nil {
		t.Fatalf("expected invalid url error")
	}
}

func TestBuildAlertMessage(t *testing.T) {
	msg := buildAlertMessage("Title", []issue{{Kind: kindStaleCommand, SagaID: "g1", StepID: "l1", Detail: "service=booking"}})
	if !strings.HasPrefix(msg, "Title\n") || !strings.Contains(msg, "kind=stale_command saga_id=g1 step_id=l1 service=booking") {
		t.Fatalf("unexpected alert message %q", msg)
	}
}

func TestWriteReportError(t *testing.T) {
	if err := writeReport(t.TempDir()+"/missing/report.json", auditReport{}); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestRunCLIValidationAndOpenErrors(t *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer

	code := runCLI(context.Background(), []string{}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return nil, nil
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "missing required --db-url") {
		t.Fatalf("expected missing db url error, got %q", errOut.String())
	}

	errOut.Reset()
	code = runCLI(context.Background(), []string{"--db-url", "postgres://localhost/db"}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return nil, errors.New("open failed")
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "failed to connect to database") {
		t.Fatalf("expected connect error, got %q", errOut.String())
	}
}

func TestRunCLIPingError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("ping failed"))

	var errOut bytes.Buffer
	code := runCLI(context.Background(), []string{"--db-url", "postgres://localhost/db"}, &bytes.Buffer{}, &errOut, func(dsn string) (*sql.DB, error) {
		return db, nil
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "failed to ping database") {
		t.Fatalf("expected ping error, got %q", errOut.String())
	}
}

func TestRunCLIHandlesRunWithDBError(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT\\(DISTINCT saga_id\\)").WillReturnError(errors.New("count failed"))

	var errOut bytes.Buffer
	code := runCLI(context.Background(), []string{"--db-url", "postgres://localhost/db"}, &bytes.Buffer{}, &errOut, func(dsn string) (*sql.DB, error) {
		return db, nil
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "failed to count events") {
		t.Fatalf("expected count error, got %q", errOut.String())
	}
}

func TestRunScheduledInvalidCron(t *testing.T) {
	var errOut bytes.Buffer
	cfg := baseConfig()
	cfg.Cron = "invalid"
	code := runScheduled(context.Background(), cfg, &bytes.Buffer{}, &errOut, func(dsn string) (*sql.DB, error) {
		return nil, errors.New("should not open")
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "invalid cron expression") {
		t.Fatalf("expected cron error, got %q", errOut.String())
	}
}

func TestRunScheduledValidCron(t *testing.T) {
	withFixedNow(t)
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	expectCounts(mock, 1, 1)
	expectChecks(mock, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := baseConfig()
	cfg.Cron = "*/1 * * * *"
	done := make(chan int, 1)
	go func() {
		done <- runScheduled(ctx, cfg, &bytes.Buffer{}, &bytes.Buffer{}, func(dsn string) (*sql.DB, error) {
			return db, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	if code := <-done; code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMainUsesInjectedFunctions(t *testing.T) {
	originalRunCLI := runCLIFunc
	originalExit := exitFunc
	defer func() {
		runCLIFunc = originalRunCLI
		exitFunc = originalExit
	}()

	runCalled := false
	runCLIFunc = func(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
		runCalled = true
		return 0
	}

	exitCode := -1
	exitFunc = func(code int) {
		exitCode = code
	}

	originalArgs := os.Args
	os.Args = []string{"sagacheck"}
	defer func() { os.Args = originalArgs }()

	main()
	if !runCalled {
		t.Fatalf("expected runCLI to be called")
	}
	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exitCode)
	}
}
