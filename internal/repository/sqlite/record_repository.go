package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"visionsurvey/internal/model"
	"visionsurvey/internal/repository"
)

const defaultTopK = 30

// labelExpr reports missing labels as "Unknown".
const labelExpr = `COALESCE(NULLIF(product_name, ''), '` + model.UnknownLabel + `')`

const recordColumns = `id, timestamp, COALESCE(NULLIF(brand, ''), '` + model.UnknownLabel + `'), ` +
	labelExpr + `, COALESCE(conf, 0), COALESCE(image_path, '')`

// RecordRepository implements repository.RecordRepository for SQLite.
type RecordRepository struct {
	db *DB
}

// NewRecordRepository creates a new SQLite record repository.
func NewRecordRepository(db *DB) *RecordRepository {
	return &RecordRepository{db: db}
}

var _ repository.RecordRepository = (*RecordRepository)(nil)

// Insert appends a record and returns its id. The row is committed before returning.
func (r *RecordRepository) Insert(ctx context.Context, rec *model.Record) (int64, error) {
	if rec.Timestamp == "" {
		return 0, &repository.StoreError{Op: "insert", Err: fmt.Errorf("timestamp is required")}
	}

	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Writer().BeginTx(ctx, nil)
	if err != nil {
		return 0, &repository.StoreError{Op: "insert", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO records (timestamp, brand, product_name, conf, image_path)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Timestamp, rec.Brand, rec.Label, rec.Confidence, rec.ImagePath)
	if err != nil {
		return 0, &repository.StoreError{Op: "insert", Err: fmt.Errorf("failed to insert record: %w", err)}
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, &repository.StoreError{Op: "insert", Err: fmt.Errorf("failed to get last insert id: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return 0, &repository.StoreError{Op: "insert", Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}

	rec.ID = id
	return id, nil
}

// QueryPage returns up to limit matching records with id < beforeID (when given), newest first.
func (r *RecordRepository) QueryPage(ctx context.Context, filter model.Filter, limit int, beforeID *int64) ([]model.Record, error) {
	where, args := buildWhere(filter)
	if beforeID != nil {
		where = append(where, "id < ?")
		args = append(args, *beforeID)
	}

	query := "SELECT " + recordColumns + " FROM records" + joinWhere(where) + " ORDER BY id DESC LIMIT ?"
	args = append(args, repository.ClampLimit(limit, repository.DefaultPageLimit))

	records, err := r.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, &repository.StoreError{Op: "query page", Err: err}
	}
	return records, nil
}

// QueryNewer returns up to limit matching records with id > afterID, oldest first.
func (r *RecordRepository) QueryNewer(ctx context.Context, filter model.Filter, afterID int64, limit int) ([]model.Record, error) {
	where, args := buildWhere(filter)
	where = append([]string{"id > ?"}, where...)
	args = append([]interface{}{afterID}, args...)

	query := "SELECT " + recordColumns + " FROM records" + joinWhere(where) + " ORDER BY id ASC LIMIT ?"
	args = append(args, repository.ClampLimit(limit, repository.DefaultNewerLimit))

	records, err := r.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, &repository.StoreError{Op: "query newer", Err: err}
	}
	return records, nil
}

// Count returns the number of records matching the filter.
func (r *RecordRepository) Count(ctx context.Context, filter model.Filter) (int, error) {
	where, args := buildWhere(filter)

	var count int
	if err := r.db.Reader().QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+joinWhere(where), args...).Scan(&count); err != nil {
		return 0, &repository.StoreError{Op: "count", Err: fmt.Errorf("failed to count records: %w", err)}
	}
	return count, nil
}

// CountAll returns the total number of records.
func (r *RecordRepository) CountAll(ctx context.Context) (int, error) {
	return r.Count(ctx, model.Filter{})
}

// AggregateByLabel returns per-label counts, most frequent first, at most topK rows.
func (r *RecordRepository) AggregateByLabel(ctx context.Context, filter model.Filter, topK int) ([]model.LabelCount, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	where, args := buildWhere(filter)
	query := "SELECT " + labelExpr + " AS label, COUNT(*) AS cnt FROM records" + joinWhere(where) +
		" GROUP BY label ORDER BY cnt DESC, label ASC LIMIT ?"
	args = append(args, topK)

	rows, err := r.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &repository.StoreError{Op: "aggregate by label", Err: fmt.Errorf("failed to query label counts: %w", err)}
	}
	defer rows.Close()

	counts := []model.LabelCount{}
	for rows.Next() {
		var c model.LabelCount
		if err := rows.Scan(&c.Label, &c.Count); err != nil {
			return nil, &repository.StoreError{Op: "aggregate by label", Err: fmt.Errorf("failed to scan label count: %w", err)}
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &repository.StoreError{Op: "aggregate by label", Err: err}
	}
	return counts, nil
}

// AggregateByDay returns per-day counts in ascending day order.
func (r *RecordRepository) AggregateByDay(ctx context.Context, filter model.Filter) ([]model.DayCount, error) {
	where, args := buildWhere(filter)
	query := "SELECT substr(timestamp, 1, 10) AS day, COUNT(*) AS cnt FROM records" + joinWhere(where) +
		" GROUP BY day ORDER BY day ASC"

	rows, err := r.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &repository.StoreError{Op: "aggregate by day", Err: fmt.Errorf("failed to query day counts: %w", err)}
	}
	defer rows.Close()

	counts := []model.DayCount{}
	for rows.Next() {
		var c model.DayCount
		if err := rows.Scan(&c.Day, &c.Count); err != nil {
			return nil, &repository.StoreError{Op: "aggregate by day", Err: fmt.Errorf("failed to scan day count: %w", err)}
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &repository.StoreError{Op: "aggregate by day", Err: err}
	}
	return counts, nil
}

// ExistsByImagePath checks if a record references the given output image.
func (r *RecordRepository) ExistsByImagePath(ctx context.Context, imagePath string) (bool, error) {
	var count int
	err := r.db.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE image_path = ?`, imagePath).Scan(&count)
	if err != nil {
		return false, &repository.StoreError{Op: "exists", Err: fmt.Errorf("failed to check record existence: %w", err)}
	}
	return count > 0, nil
}

func (r *RecordRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]model.Record, error) {
	rows, err := r.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (model.Record, error) {
	var rec model.Record
	if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Brand, &rec.Label, &rec.Confidence, &rec.ImagePath); err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}
	return rec, nil
}

// buildWhere turns a filter into SQL conditions.
// The label filter uses LIKE: case-insensitive for ASCII letters only.
func buildWhere(filter model.Filter) ([]string, []interface{}) {
	where := []string{}
	args := []interface{}{}

	if filter.Start != "" {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Start)
	}
	if filter.End != "" {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.End)
	}
	if filter.Label != "" {
		where = append(where, labelExpr+` LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(filter.Label)+"%")
	}
	return where, args
}

func joinWhere(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
