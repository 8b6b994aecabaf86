// Package store is the pgx-backed relational persistence layer for the chat
// orchestration core: users, sessions, messages, delegated credentials,
// prompt templates, usage records, admin runtime config, and access
// requests. Grounded on internal/auth/store.go's pool/schema/query shape,
// generalized from a single-tenant auth store to the full chatmodel.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"weave/internal/chatmodel"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// Store is the relational persistence facade. All methods are safe for
// concurrent use; the underlying pgxpool.Pool manages its own connection
// lifecycle.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against dsn and verifies connectivity with Ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// InitSchema creates every table used by the chat orchestration core if it
// does not already exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  groups TEXT[] NOT NULL DEFAULT '{}',
  is_admin BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  title TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  deleted BOOLEAN NOT NULL DEFAULT false
);
CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  tool_call_id TEXT NOT NULL DEFAULT '',
  tool_calls JSONB NOT NULL DEFAULT '[]',
  attachments JSONB NOT NULL DEFAULT '[]',
  prompt_tokens INT NOT NULL DEFAULT 0,
  completion_tokens INT NOT NULL DEFAULT 0,
  total_tokens INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
CREATE TABLE IF NOT EXISTS credentials (
  user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
  access_token TEXT NOT NULL,
  id_token TEXT NOT NULL DEFAULT '',
  refresh_token TEXT NOT NULL DEFAULT '',
  expires_at TIMESTAMPTZ NOT NULL,
  scope TEXT NOT NULL DEFAULT '',
  tenant_id TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS prompt_templates (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  content TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  triggers TEXT[] NOT NULL DEFAULT '{}',
  is_default BOOLEAN NOT NULL DEFAULT false,
  active BOOLEAN NOT NULL DEFAULT true,
  allowed_groups TEXT[] NOT NULL DEFAULT '{}',
  model_preference TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS usage_records (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  base_template_id TEXT NOT NULL DEFAULT '',
  domain_template_id TEXT NOT NULL DEFAULT '',
  techniques TEXT[] NOT NULL DEFAULT '{}',
  source_counts JSONB NOT NULL DEFAULT '{}',
  prompt_tokens INT NOT NULL DEFAULT 0,
  completion_tokens INT NOT NULL DEFAULT 0,
  metadata JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS admin_config (
  key TEXT PRIMARY KEY,
  value JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS allowed_users (
  email TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS allowed_domains (
  domain TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS access_requests (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  email TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  decided_by TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  decided_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS background_jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL DEFAULT 'queued',
  session_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  result TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  completed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS api_keys (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  lookup_hash TEXT NOT NULL UNIQUE,
  bcrypt_hash TEXT NOT NULL,
  is_system BOOLEAN NOT NULL DEFAULT false,
  tier TEXT NOT NULL DEFAULT 'standard',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  revoked_at TIMESTAMPTZ
);
`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func randomID(nbytes int) string {
	b := make([]byte, nbytes)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// --- Users ---------------------------------------------------------------

func (s *Store) UpsertUser(ctx context.Context, u chatmodel.User) (chatmodel.User, error) {
	if u.ID == "" {
		return chatmodel.User{}, errors.New("store: user id required")
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO users(id, groups, is_admin) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET groups=EXCLUDED.groups, is_admin=EXCLUDED.is_admin
RETURNING created_at`, u.ID, u.Groups, u.IsAdmin)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return chatmodel.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (chatmodel.User, error) {
	var u chatmodel.User
	err := s.pool.QueryRow(ctx, `SELECT id, groups, is_admin, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Groups, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatmodel.User{}, ErrNotFound
	}
	if err != nil {
		return chatmodel.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// --- Sessions --------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, userID, title string) (chatmodel.Session, error) {
	sess := chatmodel.Session{ID: "sess_" + randomID(16), UserID: userID, Title: title}
	row := s.pool.QueryRow(ctx, `
INSERT INTO sessions(id, user_id, title) VALUES ($1,$2,$3)
RETURNING created_at, updated_at`, sess.ID, sess.UserID, sess.Title)
	if err := row.Scan(&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return chatmodel.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (chatmodel.Session, error) {
	var sess chatmodel.Session
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, title, created_at, updated_at, deleted FROM sessions WHERE id=$1 AND NOT deleted`, id).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt, &sess.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatmodel.Session{}, ErrNotFound
	}
	if err != nil {
		return chatmodel.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]chatmodel.Session, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, title, created_at, updated_at, deleted
FROM sessions WHERE user_id=$1 AND NOT deleted ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []chatmodel.Session
	for rows.Next() {
		var sess chatmodel.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt, &sess.Deleted); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET updated_at=now() WHERE id=$1`, id)
	return err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET deleted=true WHERE id=$1`, id)
	return err
}

// --- Messages ----------------------------------------------------------------

func (s *Store) AppendMessage(ctx context.Context, m chatmodel.Message) (chatmodel.Message, error) {
	if m.ID == "" {
		m.ID = "msg_" + randomID(16)
	}
	toolCallsJSON, err := marshalJSON(m.ToolCalls)
	if err != nil {
		return chatmodel.Message{}, err
	}
	attachmentsJSON, err := marshalJSON(m.Attachment)
	if err != nil {
		return chatmodel.Message{}, err
	}
	var pt, ct, tt int
	if m.Usage != nil {
		pt, ct, tt = m.Usage.PromptTokens, m.Usage.CompletionTokens, m.Usage.TotalTokens
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO messages(id, session_id, role, content, tool_call_id, tool_calls, attachments,
  prompt_tokens, completion_tokens, total_tokens)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING created_at`,
		m.ID, m.SessionID, m.Role, m.Content, m.ToolCallID, toolCallsJSON, attachmentsJSON, pt, ct, tt)
	if err := row.Scan(&m.Timestamp); err != nil {
		return chatmodel.Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// ListMessages returns every message in a session, oldest first — the
// persisted history Message Preparation (§4.I) consumes as raw input.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chatmodel.Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, session_id, role, content, tool_call_id, tool_calls, attachments,
  prompt_tokens, completion_tokens, total_tokens, created_at
FROM messages WHERE session_id=$1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []chatmodel.Message
	for rows.Next() {
		var m chatmodel.Message
		var toolCallsJSON, attachmentsJSON []byte
		var pt, ct, tt int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.ToolCallID,
			&toolCallsJSON, &attachmentsJSON, &pt, &ct, &tt, &m.Timestamp); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(toolCallsJSON, &m.ToolCalls); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(attachmentsJSON, &m.Attachment); err != nil {
			return nil, err
		}
		if pt+ct+tt > 0 {
			m.Usage = &chatmodel.TokenUsage{PromptTokens: pt, CompletionTokens: ct, TotalTokens: tt}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Credentials -------------------------------------------------------------

func (s *Store) UpsertCredential(ctx context.Context, c chatmodel.CredentialRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO credentials(user_id, access_token, id_token, refresh_token, expires_at, scope, tenant_id, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,now())
ON CONFLICT (user_id) DO UPDATE SET
  access_token=EXCLUDED.access_token, id_token=EXCLUDED.id_token,
  refresh_token=EXCLUDED.refresh_token, expires_at=EXCLUDED.expires_at,
  scope=EXCLUDED.scope, tenant_id=EXCLUDED.tenant_id, updated_at=now()`,
		c.UserID, c.AccessToken, c.IDToken, c.RefreshToken, c.ExpiresAt, c.Scope, c.TenantID)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, userID string) (chatmodel.CredentialRecord, error) {
	var c chatmodel.CredentialRecord
	err := s.pool.QueryRow(ctx, `
SELECT user_id, access_token, id_token, refresh_token, expires_at, scope, tenant_id
FROM credentials WHERE user_id=$1`, userID).
		Scan(&c.UserID, &c.AccessToken, &c.IDToken, &c.RefreshToken, &c.ExpiresAt, &c.Scope, &c.TenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatmodel.CredentialRecord{}, ErrNotFound
	}
	if err != nil {
		return chatmodel.CredentialRecord{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE user_id=$1`, userID)
	return err
}

// SweepExpiredCredentials deletes delegated (non-service-principal) credentials
// past expiry with no usable refresh token — see internal/credentials (§4.A).
func (s *Store) SweepExpiredCredentials(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM credentials
WHERE expires_at < now()
  AND refresh_token = ''`)
	if err != nil {
		return 0, fmt.Errorf("sweep expired credentials: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Prompt templates --------------------------------------------------------

func (s *Store) UpsertPromptTemplate(ctx context.Context, t chatmodel.PromptTemplate) (chatmodel.PromptTemplate, error) {
	if t.ID == "" {
		t.ID = "tpl_" + randomID(12)
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO prompt_templates(id, name, content, category, triggers, is_default, active, allowed_groups, model_preference)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name, content=EXCLUDED.content, category=EXCLUDED.category,
  triggers=EXCLUDED.triggers, is_default=EXCLUDED.is_default, active=EXCLUDED.active,
  allowed_groups=EXCLUDED.allowed_groups, model_preference=EXCLUDED.model_preference, updated_at=now()
RETURNING updated_at`,
		t.ID, t.Name, t.Content, t.Category, t.Triggers, t.IsDefault, t.Active, t.AllowedGroups, t.ModelPreference)
	if err := row.Scan(&t.UpdatedAt); err != nil {
		return chatmodel.PromptTemplate{}, fmt.Errorf("upsert prompt template: %w", err)
	}
	return t, nil
}

func (s *Store) ListActivePromptTemplates(ctx context.Context) ([]chatmodel.PromptTemplate, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, name, content, category, triggers, is_default, active, allowed_groups, model_preference, updated_at
FROM prompt_templates WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list prompt templates: %w", err)
	}
	defer rows.Close()
	var out []chatmodel.PromptTemplate
	for rows.Next() {
		var t chatmodel.PromptTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &t.Category, &t.Triggers, &t.IsDefault, &t.Active,
			&t.AllowedGroups, &t.ModelPreference, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeletePromptTemplate(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM prompt_templates WHERE id=$1`, id)
	return err
}

// --- Usage records ------------------------------------------------------------

func (s *Store) RecordUsage(ctx context.Context, r chatmodel.UsageRecord) error {
	if r.ID == "" {
		r.ID = "usage_" + randomID(12)
	}
	sourceCounts, err := marshalJSON(r.SourceCounts)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO usage_records(id, user_id, session_id, message_id, base_template_id, domain_template_id,
  techniques, source_counts, prompt_tokens, completion_tokens, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.UserID, r.SessionID, r.MessageID, r.BaseTemplateID, r.DomainTemplateID,
		r.Techniques, sourceCounts, r.PromptTokens, r.CompletionTokens, metadata)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// --- Admin config --------------------------------------------------------------

func (s *Store) GetAdminConfig(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM admin_config WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get admin config %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetAdminConfig(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO admin_config(key, value) VALUES ($1,$2)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`, key, value)
	if err != nil {
		return fmt.Errorf("set admin config %q: %w", key, err)
	}
	return nil
}

// --- Allowed users / domains ---------------------------------------------------

func (s *Store) AllowedDomains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT domain FROM allowed_domains ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) AddAllowedDomain(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO allowed_domains(domain) VALUES ($1) ON CONFLICT DO NOTHING`, domain)
	return err
}

func (s *Store) RemoveAllowedDomain(ctx context.Context, domain string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM allowed_domains WHERE domain=$1`, domain)
	return err
}

// --- Access requests ------------------------------------------------------------

func (s *Store) CreateAccessRequest(ctx context.Context, userID, email string) (chatmodel.AccessRequest, error) {
	ar := chatmodel.AccessRequest{ID: "areq_" + randomID(12), UserID: userID, Email: email, Status: "pending"}
	row := s.pool.QueryRow(ctx, `
INSERT INTO access_requests(id, user_id, email) VALUES ($1,$2,$3) RETURNING created_at`,
		ar.ID, ar.UserID, ar.Email)
	if err := row.Scan(&ar.CreatedAt); err != nil {
		return chatmodel.AccessRequest{}, fmt.Errorf("create access request: %w", err)
	}
	return ar, nil
}

func (s *Store) DecideAccessRequest(ctx context.Context, id, decidedBy, status string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE access_requests SET status=$2, decided_by=$3, decided_at=now() WHERE id=$1`, id, status, decidedBy)
	return err
}

func (s *Store) ListPendingAccessRequests(ctx context.Context) ([]chatmodel.AccessRequest, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, email, status, decided_by, created_at, decided_at
FROM access_requests WHERE status='pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chatmodel.AccessRequest
	for rows.Next() {
		var ar chatmodel.AccessRequest
		var decidedAt *time.Time
		if err := rows.Scan(&ar.ID, &ar.UserID, &ar.Email, &ar.Status, &ar.DecidedBy, &ar.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		if decidedAt != nil {
			ar.DecidedAt = *decidedAt
		}
		out = append(out, ar)
	}
	return out, rows.Err()
}

// --- Background jobs ------------------------------------------------------------

// CreateJob enqueues a new job, generating an id when the caller left one
// unset.
func (s *Store) CreateJob(ctx context.Context, j chatmodel.BackgroundJob) (chatmodel.BackgroundJob, error) {
	if j.ID == "" {
		j.ID = "job_" + randomID(12)
	}
	if j.Status == "" {
		j.Status = chatmodel.JobQueued
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO background_jobs(id, status, session_id, user_id) VALUES ($1,$2,$3,$4)`,
		j.ID, j.Status, j.SessionID, j.UserID)
	if err != nil {
		return chatmodel.BackgroundJob{}, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// GetJob returns one job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (chatmodel.BackgroundJob, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, status, session_id, user_id, result, error, completed_at
FROM background_jobs WHERE id=$1`, id)
	var j chatmodel.BackgroundJob
	var completedAt *time.Time
	if err := row.Scan(&j.ID, &j.Status, &j.SessionID, &j.UserID, &j.Result, &j.Error, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chatmodel.BackgroundJob{}, ErrNotFound
		}
		return chatmodel.BackgroundJob{}, err
	}
	if completedAt != nil {
		j.CompletedAt = *completedAt
	}
	return j, nil
}

// UpdateJobStatus transitions a job's status, recording result/errMsg and
// setting completed_at when the status is terminal.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status chatmodel.JobStatus, result, errMsg string) error {
	completedAt := "NULL"
	if status == chatmodel.JobCompleted || status == chatmodel.JobFailed {
		completedAt = "now()"
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
UPDATE background_jobs SET status=$2, result=$3, error=$4, completed_at=%s WHERE id=$1`, completedAt),
		id, status, result, errMsg)
	return err
}

// ListActiveJobs returns every job not yet in a terminal state, across all
// sessions — the set the job watcher polls each cycle.
func (s *Store) ListActiveJobs(ctx context.Context) ([]chatmodel.BackgroundJob, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, status, session_id, user_id, result, error, completed_at
FROM background_jobs WHERE status IN ('queued','running') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chatmodel.BackgroundJob
	for rows.Next() {
		var j chatmodel.BackgroundJob
		var completedAt *time.Time
		if err := rows.Scan(&j.ID, &j.Status, &j.SessionID, &j.UserID, &j.Result, &j.Error, &completedAt); err != nil {
			return nil, err
		}
		if completedAt != nil {
			j.CompletedAt = *completedAt
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- API keys --------------------------------------------------------------

// APIKeyRow is one api_keys row, returned as-is so callers (internal/httpapi)
// own the raw-key verification policy.
type APIKeyRow struct {
	ID         string
	UserID     string
	LookupHash string
	BcryptHash string
	IsSystem   bool
	Tier       string
}

// CreateAPIKey inserts a new hashed key row. lookupHash is a fast,
// non-secret index (e.g. sha256 of the raw key) distinct from bcryptHash,
// which alone gates acceptance of a presented key.
func (s *Store) CreateAPIKey(ctx context.Context, row APIKeyRow) (APIKeyRow, error) {
	if row.ID == "" {
		row.ID = "key_" + randomID(12)
	}
	if row.Tier == "" {
		row.Tier = "standard"
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO api_keys(id, user_id, lookup_hash, bcrypt_hash, is_system, tier)
VALUES ($1,$2,$3,$4,$5,$6)`, row.ID, row.UserID, row.LookupHash, row.BcryptHash, row.IsSystem, row.Tier)
	if err != nil {
		return APIKeyRow{}, fmt.Errorf("create api key: %w", err)
	}
	return row, nil
}

// GetAPIKeyByLookupHash finds a non-revoked key row by its fast lookup hash.
func (s *Store) GetAPIKeyByLookupHash(ctx context.Context, lookupHash string) (APIKeyRow, error) {
	var row APIKeyRow
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, lookup_hash, bcrypt_hash, is_system, tier
FROM api_keys WHERE lookup_hash=$1 AND revoked_at IS NULL`, lookupHash).
		Scan(&row.ID, &row.UserID, &row.LookupHash, &row.BcryptHash, &row.IsSystem, &row.Tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKeyRow{}, ErrNotFound
	}
	if err != nil {
		return APIKeyRow{}, fmt.Errorf("get api key: %w", err)
	}
	return row, nil
}

// RevokeAPIKey marks a key unusable without deleting its audit trail.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET revoked_at=now() WHERE id=$1`, id)
	return err
}
