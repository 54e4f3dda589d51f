package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/ronanzhan/servicecomb-saga/internal/repository"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
)

const (
	countQuery = `
SELECT COUNT(DISTINCT saga_id), COUNT(*)
FROM saga_alpha.tx_events;
`
	duplicateEndedQuery = `
SELECT saga_id, COUNT(*)
FROM saga_alpha.tx_events
WHERE type = 'SagaEnded'
GROUP BY saga_id
HAVING COUNT(*) > 1
ORDER BY saga_id;
`
	staleCommandsQuery = `
SELECT saga_id, step_id, service_name, updated_at
FROM saga_alpha.commands
WHERE status = 'PENDING' AND updated_at < $1
ORDER BY id;
`
	overdueWatchesQuery = `
SELECT saga_id, step_id, type, expires_at
FROM saga_alpha.tx_timeouts
WHERE status = 'NEW' AND expires_at < $1
ORDER BY id;
`
	openAbortedQuery = `
SELECT a.saga_id, MAX(a.created_at)
FROM saga_alpha.tx_events a
WHERE a.type = 'StepAborted' AND a.created_at < $1
  AND NOT EXISTS (
    SELECT 1 FROM saga_alpha.tx_events r
    WHERE r.saga_id = a.saga_id AND r.step_id = a.step_id
      AND r.type = 'StepStarted' AND r.id > a.id
  )
  AND NOT EXISTS (
    SELECT 1 FROM saga_alpha.tx_events x
    WHERE x.saga_id = a.saga_id AND x.type = 'SagaEnded'
  )
GROUP BY a.saga_id
ORDER BY a.saga_id;
`
)

const (
	kindDuplicateEnded = "duplicate_saga_ended"
	kindStaleCommand   = "stale_command"
	kindOverdueWatch   = "overdue_watch"
	kindOpenAborted    = "open_aborted_saga"
)

type auditConfig struct {
	DBURL           string
	Verbose         bool
	Alert           bool
	WebhookURL      string
	SlackWebhookURL string
	Fix             bool
	StaleAfter      time.Duration
	ReportPath      string
	Cron            string
	StoreHistory    bool
}

// issue is one inconsistency found in the coordinator tables.
type issue struct {
	Kind   string `json:"kind"`
	SagaID string `json:"saga_id"`
	StepID string `json:"step_id,omitempty"`
	Detail string `json:"detail"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
	nowFunc    = time.Now
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (auditConfig, error) {
	fs := flag.NewFlagSet("sagacheck", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg auditConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code when issues remain")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for audit alerts")
	fs.StringVar(&cfg.SlackWebhookURL, "slack-webhook-url", "", "slack webhook url for audit alerts")
	fs.BoolVar(&cfg.Fix, "fix", false, "remove duplicate SagaEnded events")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", 5*time.Minute, "grace period before pending work is reported")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled audit runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store audit history in database")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	if cfg.StaleAfter < 0 {
		return cfg, errors.New("--stale-after must not be negative")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg auditConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	code, err := runWithDB(ctx, db, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg auditConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled audit...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled audit...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled audit exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, cfg auditConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting audit checks...")
	}
	cutoff := nowFunc().UTC().Add(-cfg.StaleAfter)

	sagaCount, eventCount, err := fetchCounts(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to count events: %w", err)
	}

	checks := []struct {
		name  string
		fetch func(context.Context, *sql.DB, time.Time) ([]issue, error)
	}{
		{"duplicate closures", fetchDuplicateEnded},
		{"stale commands", fetchStaleCommands},
		{"overdue watches", fetchOverdueWatches},
		{"open aborted sagas", fetchOpenAborted},
	}
	var issues []issue
	for _, c := range checks {
		if cfg.Verbose {
			fmt.Fprintf(out, "Checking %s...\n", c.name)
		}
		found, err := c.fetch(ctx, db, cutoff)
		if err != nil {
			return 2, fmt.Errorf("failed to query %s: %w", c.name, err)
		}
		issues = append(issues, found...)
	}

	fixed := []issue{}
	unresolved := issues
	if cfg.Fix && len(issues) > 0 {
		fixed, unresolved, err = fixDuplicateClosures(ctx, db, issues)
		if err != nil {
			return 2, fmt.Errorf("failed to fix duplicate closures: %w", err)
		}
	}

	report := buildReport(sagaCount, eventCount, issues, fixed, unresolved)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, db, report); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if len(unresolved) == 0 {
		fmt.Fprintf(out, "✓ Audit passed: %d sagas, %d events checked\n", sagaCount, eventCount)
		return 0, nil
	}

	for _, is := range unresolved {
		fmt.Fprintf(errOut, "✗ Issue found: kind=%s, saga_id=%s, step_id=%s, %s\n", is.Kind, is.SagaID, is.StepID, is.Detail)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, unresolved); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := sendSlackWebhook(ctx, cfg.SlackWebhookURL, unresolved); err != nil {
			fmt.Fprintf(errOut, "slack webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func fetchCounts(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var sagaCount, eventCount int64
	if err := db.QueryRowContext(ctx, countQuery).Scan(&sagaCount, &eventCount); err != nil {
		return 0, 0, err
	}
	return sagaCount, eventCount, nil
}

func fetchDuplicateEnded(ctx context.Context, db *sql.DB, _ time.Time) ([]issue, error) {
	return collect(ctx, db, duplicateEndedQuery, nil, func(rows *sql.Rows) (issue, error) {
		var sagaID string
		var n int64
		if err := rows.Scan(&sagaID, &n); err != nil {
			return issue{}, err
		}
		return issue{Kind: kindDuplicateEnded, SagaID: sagaID, Detail: fmt.Sprintf("count=%d", n)}, nil
	})
}

func fetchStaleCommands(ctx context.Context, db *sql.DB, cutoff time.Time) ([]issue, error) {
	return collect(ctx, db, staleCommandsQuery, []any{cutoff}, func(rows *sql.Rows) (issue, error) {
		var sagaID, stepID, service string
		var updatedAt time.Time
		if err := rows.Scan(&sagaID, &stepID, &service, &updatedAt); err != nil {
			return issue{}, err
		}
		return issue{
			Kind:   kindStaleCommand,
			SagaID: sagaID,
			StepID: stepID,
			Detail: fmt.Sprintf("service=%s pending_since=%s", service, updatedAt.UTC().Format(time.RFC3339)),
		}, nil
	})
}

func fetchOverdueWatches(ctx context.Context, db *sql.DB, cutoff time.Time) ([]issue, error) {
	return collect(ctx, db, overdueWatchesQuery, []any{cutoff}, func(rows *sql.Rows) (issue, error) {
		var sagaID, stepID, typ string
		var expiresAt time.Time
		if err := rows.Scan(&sagaID, &stepID, &typ, &expiresAt); err != nil {
			return issue{}, err
		}
		return issue{
			Kind:   kindOverdueWatch,
			SagaID: sagaID,
			StepID: stepID,
			Detail: fmt.Sprintf("type=%s expired_at=%s", typ, expiresAt.UTC().Format(time.RFC3339)),
		}, nil
	})
}

func fetchOpenAborted(ctx context.Context, db *sql.DB, cutoff time.Time) ([]issue, error) {
	return collect(ctx, db, openAbortedQuery, []any{cutoff}, func(rows *sql.Rows) (issue, error) {
		var sagaID string
		var abortedAt time.Time
		if err := rows.Scan(&sagaID, &abortedAt); err != nil {
			return issue{}, err
		}
		return issue{
			Kind:   kindOpenAborted,
			SagaID: sagaID,
			Detail: fmt.Sprintf("aborted_at=%s", abortedAt.UTC().Format(time.RFC3339)),
		}, nil
	})
}

func collect(ctx context.Context, db *sql.DB, query string, args []any, scan func(*sql.Rows) (issue, error)) ([]issue, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []issue
	for rows.Next() {
		is, err := scan(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, is)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// fixDuplicateClosures keeps the oldest SagaEnded of every saga. Other issue
// kinds are left for the reconciler.
func fixDuplicateClosures(ctx context.Context, db *sql.DB, issues []issue) ([]issue, []issue, error) {
	var fixed, unresolved []issue
	for _, is := range issues {
		if is.Kind == kindDuplicateEnded {
			fixed = append(fixed, is)
		} else {
			unresolved = append(unresolved, is)
		}
	}
	if len(fixed) == 0 {
		return []issue{}, unresolved, nil
	}
	if _, err := repository.NewEventRepository(db).DeleteDuplicates(ctx, saga.SagaEnded); err != nil {
		return nil, nil, err
	}
	return fixed, unresolved, nil
}

func sendWebhook(ctx context.Context, url string, issues []issue) error {
	payload := map[string]interface{}{
		"message": "saga coordinator audit issues detected",
		"issues":  issues,
	}
	return postJSON(ctx, url, payload)
}

func sendSlackWebhook(ctx context.Context, url string, issues []issue) error {
	payload := map[string]string{
		"text": buildAlertMessage("Saga coordinator audit issues detected", issues),
	}
	return postJSON(ctx, url, payload)
}

func postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(title string, issues []issue) string {
	var b strings.Builder
	fmt.Fprintln(&b, title)
	for _, is := range issues {
		fmt.Fprintf(&b, "kind=%s saga_id=%s step_id=%s %s\n", is.Kind, is.SagaID, is.StepID, is.Detail)
	}
	return strings.TrimSpace(b.String())
}

type auditReport struct {
	RunAt           string  `json:"run_at"`
	SagaCount       int64   `json:"saga_count"`
	EventCount      int64   `json:"event_count"`
	IssueCount      int     `json:"issue_count"`
	FixedCount      int     `json:"fixed_count"`
	UnresolvedCount int     `json:"unresolved_count"`
	Issues          []issue `json:"issues"`
	Fixed           []issue `json:"fixed"`
}

func buildReport(sagaCount, eventCount int64, issues, fixed, unresolved []issue) auditReport {
	return auditReport{
		RunAt:           nowFunc().UTC().Format(time.RFC3339),
		SagaCount:       sagaCount,
		EventCount:      eventCount,
		IssueCount:      len(issues),
		FixedCount:      len(fixed),
		UnresolvedCount: len(unresolved),
		Issues:          issues,
		Fixed:           fixed,
	}
}

func writeReport(path string, report auditReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// storeHistory appends the run to saga_alpha.audit_runs, created by alpha's migration.
func storeHistory(ctx context.Context, db *sql.DB, report auditReport) error {
	status := "ok"
	if report.UnresolvedCount > 0 {
		status = "issues"
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO saga_alpha.audit_runs (run_at, status, issue_count, report)
VALUES ($1, $2, $3, $4);`, report.RunAt, status, report.UnresolvedCount, payload)
	return err
}
