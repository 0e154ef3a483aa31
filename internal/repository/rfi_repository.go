package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/rfi-sync-service/internal/domain"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const rfiColumns = `id, project_id, sequence_number, subject, question, category, priority,
               recipient_email, recipient_name, thread_id, root_message_id, status, due_date,
               created_by, reopened_from_id, created_at, updated_at, sent_at, closed_at`

type rfiRepository struct {
	pool *pgxpool.Pool
}

// NewRFIRepository instantiates repository.
func NewRFIRepository(pool *pgxpool.Pool) RFIRepository {
	return &rfiRepository{pool: pool}
}

func (r *rfiRepository) Create(ctx context.Context, record *domain.RequestRecord) error {
	const query = `
        INSERT INTO rfis (project_id, sequence_number, subject, question, category, priority,
            recipient_email, recipient_name, status, due_date, created_by, reopened_from_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		record.ProjectID,
		record.SequenceNumber,
		record.Subject,
		record.Question,
		record.Category,
		record.Priority,
		record.RecipientEmail,
		record.RecipientName,
		record.Status,
		record.DueDate,
		record.CreatedBy,
		record.ReopenedFromID,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
}

func (r *rfiRepository) GetByID(ctx context.Context, id string) (*domain.RequestRecord, error) {
	return fetchRFI(ctx, r.pool, `SELECT `+rfiColumns+` FROM rfis WHERE id=$1`, id)
}

func (r *rfiRepository) GetByThreadID(ctx context.Context, threadID string) (*domain.RequestRecord, error) {
	return fetchRFI(ctx, r.pool, `SELECT `+rfiColumns+` FROM rfis WHERE thread_id=$1`, threadID)
}

func (r *rfiRepository) FindBySequence(ctx context.Context, sequence string) ([]domain.RequestRecord, error) {
	return queryRFIs(ctx, r.pool, `SELECT `+rfiColumns+` FROM rfis WHERE sequence_number=$1 ORDER BY created_at ASC LIMIT 10`, sequence)
}

func (r *rfiRepository) ListWithFilter(ctx context.Context, filter RFIFilter) ([]domain.RequestRecord, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		clauses = append(clauses, fmt.Sprintf("project_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Overdue != nil {
		now := filter.Now
		if now.IsZero() {
			now = time.Now()
		}
		args = append(args, now)
		if *filter.Overdue {
			clauses = append(clauses, fmt.Sprintf("status <> 'closed' AND due_date IS NOT NULL AND due_date < $%d", len(args)))
		} else {
			clauses = append(clauses, fmt.Sprintf("NOT (status <> 'closed' AND due_date IS NOT NULL AND due_date < $%d)", len(args)))
		}
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM rfis WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		rfiColumns, strings.Join(clauses, " AND "), len(args)-1, len(args))
	return queryRFIs(ctx, r.pool, query, args...)
}

func (r *rfiRepository) ListOpenDueBefore(ctx context.Context, t time.Time, limit int) ([]domain.RequestRecord, error) {
	const query = `SELECT ` + rfiColumns + ` FROM rfis
        WHERE status NOT IN ('closed','draft') AND due_date IS NOT NULL AND due_date < $1
        ORDER BY due_date ASC LIMIT $2`
	return queryRFIs(ctx, r.pool, query, t, limit)
}

func (r *rfiRepository) ListSentBefore(ctx context.Context, t time.Time, limit int) ([]domain.RequestRecord, error) {
	const query = `SELECT ` + rfiColumns + ` FROM rfis
        WHERE status='sent' AND sent_at IS NOT NULL AND sent_at < $1
        ORDER BY sent_at ASC LIMIT $2`
	return queryRFIs(ctx, r.pool, query, t, limit)
}

func (r *rfiRepository) NextSequence(ctx context.Context, projectID, prefix string, year int) (string, error) {
	const query = `
        INSERT INTO rfi_sequences (project_id, year, last_value) VALUES ($1,$2,1)
        ON CONFLICT (project_id, year) DO UPDATE SET last_value = rfi_sequences.last_value + 1
        RETURNING last_value`
	var value int
	if err := r.pool.QueryRow(ctx, query, projectID, year).Scan(&value); err != nil {
		return "", err
	}
	return FormatSequence(prefix, year, value), nil
}

func (r *rfiRepository) CountByStatus(ctx context.Context, now time.Time) (domain.StatusCounts, error) {
	counts := domain.StatusCounts{ByStatus: make(map[domain.RFIStatus]int, len(domain.AllRFIStatuses))}
	for _, status := range domain.AllRFIStatuses {
		counts.ByStatus[status] = 0
	}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM rfis GROUP BY status`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var status domain.RFIStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}

	const overdue = `SELECT COUNT(*) FROM rfis WHERE status <> 'closed' AND due_date IS NOT NULL AND due_date < $1`
	if err := r.pool.QueryRow(ctx, overdue, now).Scan(&counts.Overdue); err != nil {
		return counts, err
	}
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM triage_items WHERE status='open'`).Scan(&counts.OpenTriage); err != nil {
		return counts, err
	}
	return counts, nil
}

// FormatSequence renders PREFIX-YYYY-NNNNN.
func FormatSequence(prefix string, year, value int) string {
	return fmt.Sprintf("%s-%04d-%05d", strings.ToUpper(prefix), year, value)
}

var projectCodePattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

// ProjectCode is the segment that keeps sequence numbers distinct across
// projects. Short upper-case alphanumeric ids are used as is; any other id
// is hashed to a base36 code.
func ProjectCode(projectID string) string {
	if projectCodePattern.MatchString(projectID) {
		return projectID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return strings.ToUpper(strconv.FormatUint(uint64(h.Sum32()), 36))
}

// ProjectSequencePrefix joins the configured prefix with the project code.
func ProjectSequencePrefix(prefix, projectID string) string {
	return strings.ToUpper(prefix) + "-" + ProjectCode(projectID)
}

func fetchRFI(ctx context.Context, db dbtx, query string, args ...any) (*domain.RequestRecord, error) {
	var record domain.RequestRecord
	if err := scanRFI(db.QueryRow(ctx, query, args...), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func queryRFIs(ctx context.Context, db dbtx, query string, args ...any) ([]domain.RequestRecord, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.RequestRecord
	for rows.Next() {
		var record domain.RequestRecord
		if err := scanRFI(rows, &record); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

func scanRFI(row pgx.Row, record *domain.RequestRecord) error {
	return row.Scan(
		&record.ID,
		&record.ProjectID,
		&record.SequenceNumber,
		&record.Subject,
		&record.Question,
		&record.Category,
		&record.Priority,
		&record.RecipientEmail,
		&record.RecipientName,
		&record.ThreadID,
		&record.RootMessageID,
		&record.Status,
		&record.DueDate,
		&record.CreatedBy,
		&record.ReopenedFromID,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.SentAt,
		&record.ClosedAt,
	)
}
