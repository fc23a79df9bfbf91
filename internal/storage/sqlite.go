package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/praveen-singh01/whatsapp-automation/internal/bulk"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
	"github.com/praveen-singh01/whatsapp-automation/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) CreateOperation(ctx context.Context, op *bulk.Operation) error {
	roles, err := json.Marshal(op.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations(id, status, roles, message_body, template_name, personalize,
		        total, success, failed, pending, processing_ms, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		op.ID, string(op.Status), string(roles), op.MessageBody, nullStr(op.TemplateName), boolInt(op.Personalize),
		op.Summary.TotalTargeted, op.Summary.SuccessCount, op.Summary.FailureCount, op.Summary.PendingCount,
		op.Summary.ProcessingTimeMs, fmtTime(op.CreatedAt), fmtTimePtr(op.CompletedAt),
	)
	return err
}

func (s *sqliteStore) UpdateOperation(ctx context.Context, op *bulk.Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	roles, err := json.Marshal(op.Roles)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE operations SET status=?, roles=?, message_body=?, template_name=?, personalize=?,
		        total=?, success=?, failed=?, pending=?, processing_ms=?, completed_at=?
		 WHERE id=?`,
		string(op.Status), string(roles), op.MessageBody, nullStr(op.TemplateName), boolInt(op.Personalize),
		op.Summary.TotalTargeted, op.Summary.SuccessCount, op.Summary.FailureCount, op.Summary.PendingCount,
		op.Summary.ProcessingTimeMs, fmtTimePtr(op.CompletedAt), op.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &bulk.NotFoundError{ID: op.ID}
	}

	for i, r := range op.Results {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO results(operation_id, idx, recipient_id, name, phone, role, status,
			        provider_message_id, error, error_code, attempted_at, delivered_at, read_at, image_url)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(operation_id, idx) DO UPDATE SET
			        status=excluded.status,
			        provider_message_id=excluded.provider_message_id,
			        error=excluded.error,
			        error_code=excluded.error_code,
			        attempted_at=excluded.attempted_at,
			        delivered_at=excluded.delivered_at,
			        read_at=excluded.read_at,
			        image_url=excluded.image_url`,
			op.ID, i, r.RecipientID, r.Name, r.Phone, string(r.Role), string(r.Status),
			nullStr(r.ProviderMessageID), nullStr(r.Error), nullStr(r.ErrorCode),
			fmtTimePtr(r.AttemptedAt), fmtTimePtr(r.DeliveredAt), fmtTimePtr(r.ReadAt), nullStr(r.ImageURL),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetOperation(ctx context.Context, id string) (*bulk.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, roles, message_body, template_name, personalize,
		        total, success, failed, pending, processing_ms, created_at, completed_at
		 FROM operations WHERE id = ?`, id)

	var (
		op           bulk.Operation
		status       string
		rolesJSON    string
		templateName sql.NullString
		personalize  int
		createdAt    string
		completedAt  sql.NullString
	)
	err := row.Scan(&op.ID, &status, &rolesJSON, &op.MessageBody, &templateName, &personalize,
		&op.Summary.TotalTargeted, &op.Summary.SuccessCount, &op.Summary.FailureCount,
		&op.Summary.PendingCount, &op.Summary.ProcessingTimeMs, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &bulk.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, err
	}

	op.Status = bulk.OperationStatus(status)
	op.TemplateName = templateName.String
	op.Personalize = personalize != 0
	if err := json.Unmarshal([]byte(rolesJSON), &op.Roles); err != nil {
		return nil, err
	}
	op.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		op.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, name, phone, role, status, provider_message_id,
		        error, error_code, attempted_at, delivered_at, read_at, image_url
		 FROM results WHERE operation_id = ? ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                            bulk.DeliveryResult
			role, rstatus                string
			providerID, rerr, code, img  sql.NullString
			attempted, delivered, readAt sql.NullString
		)
		if err := rows.Scan(&r.RecipientID, &r.Name, &r.Phone, &role, &rstatus, &providerID,
			&rerr, &code, &attempted, &delivered, &readAt, &img); err != nil {
			return nil, err
		}
		r.Role = directory.Role(role)
		r.Status = bulk.ResultStatus(rstatus)
		r.ProviderMessageID = providerID.String
		r.Error = rerr.String
		r.ErrorCode = code.String
		r.ImageURL = img.String
		r.AttemptedAt = parseTimePtr(attempted)
		r.DeliveredAt = parseTimePtr(delivered)
		r.ReadAt = parseTimePtr(readAt)
		op.Results = append(op.Results, r)
	}
	return &op, rows.Err()
}

func (s *sqliteStore) ApplyStatusEvent(ctx context.Context, providerMessageID string, status bulk.ResultStatus, at time.Time) error {
	if providerMessageID == "" {
		return errors.New("storage: provider message id is required")
	}
	var col string
	switch status {
	case bulk.ResultDelivered:
		col = "delivered_at"
	case bulk.ResultRead:
		col = "read_at"
	default:
		return fmt.Errorf("storage: unsupported status transition %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE results SET status=?, `+col+`=? WHERE provider_message_id=?`,
		string(status), fmtTime(at), providerMessageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &bulk.NotFoundError{ID: providerMessageID}
	}
	return nil
}

func (s *sqliteStore) FindByRoles(ctx context.Context, roles []directory.Role) ([]directory.Recipient, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(roles))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(roles))
	for i, r := range roles {
		args[i] = string(r)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, phone, role, avatar_url FROM recipients
		 WHERE role IN (`+placeholders+`) ORDER BY seq, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []directory.Recipient
	for rows.Next() {
		var (
			r      directory.Recipient
			role   string
			avatar sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Phone, &role, &avatar); err != nil {
			return nil, err
		}
		r.Role = directory.Role(role)
		r.AvatarURL = avatar.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SeedRecipients(ctx context.Context, rs []directory.Recipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, r := range rs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO recipients(id, name, phone, role, avatar_url, seq) VALUES(?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET
			        name=excluded.name, phone=excluded.phone, role=excluded.role,
			        avatar_url=excluded.avatar_url, seq=excluded.seq`,
			r.ID, r.Name, r.Phone, string(r.Role), nullStr(r.AvatarURL), i)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
