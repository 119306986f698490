package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL, grounded on
// control_plane/store/postgres.go's pgxpool-based implementation
// (same pool tuning, same QueryRow/Scan + ON CONFLICT idiom).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials connString and tunes the pool for the image
// queue's read-light, write-bursty load, reusing the teacher's pool
// settings verbatim.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Image operations ---

func (s *PostgresStore) InsertImage(ctx context.Context, img *Image) error {
	query := `
		INSERT INTO images (image_id, user_id, provider, prompt_id, url, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (image_id) DO UPDATE SET
			url = EXCLUDED.url
	`
	_, err := s.pool.Exec(ctx, query, img.ImageID, img.UserID, img.Provider, img.PromptID, img.URL)
	return err
}

func (s *PostgresStore) GetImage(ctx context.Context, imageID string) (*Image, error) {
	query := `
		SELECT image_id, user_id, provider, prompt_id, url, created_at
		FROM images WHERE image_id = $1
	`
	var img Image
	err := s.pool.QueryRow(ctx, query, imageID).Scan(
		&img.ImageID, &img.UserID, &img.Provider, &img.PromptID, &img.URL, &img.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *PostgresStore) ListImagesByUser(ctx context.Context, userID string, limit int) ([]*Image, error) {
	query := `
		SELECT image_id, user_id, provider, prompt_id, url, created_at
		FROM images WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ImageID, &img.UserID, &img.Provider, &img.PromptID, &img.URL, &img.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

// --- Prompt operations ---

func (s *PostgresStore) InsertPrompt(ctx context.Context, p *Prompt) error {
	query := `
		INSERT INTO prompts (prompt_id, user_id, text, guidance, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (prompt_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, p.PromptID, p.UserID, p.Text, p.Guidance)
	return err
}

func (s *PostgresStore) GetPrompt(ctx context.Context, promptID string) (*Prompt, error) {
	query := `
		SELECT prompt_id, user_id, text, guidance, created_at
		FROM prompts WHERE prompt_id = $1
	`
	var p Prompt
	err := s.pool.QueryRow(ctx, query, promptID).Scan(&p.PromptID, &p.UserID, &p.Text, &p.Guidance, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Transaction operations ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *TransactionRecord) error {
	query := `
		INSERT INTO transactions (user_id, provider, count, cost, timestamp)
		VALUES ($1, $2, $3, $4, NOW())
	`
	_, err := s.pool.Exec(ctx, query, t.UserID, t.Provider, t.Count, t.Cost)
	return err
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string, limit int) ([]*TransactionRecord, error) {
	query := `
		SELECT user_id, provider, count, cost, timestamp
		FROM transactions WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TransactionRecord
	for rows.Next() {
		var t TransactionRecord
		if err := rows.Scan(&t.UserID, &t.Provider, &t.Count, &t.Cost, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// --- Violation operations ---

func (s *PostgresStore) InsertViolation(ctx context.Context, v *Violation) error {
	query := `
		INSERT INTO violations (user_id, prompt_id, reason, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	_, err := s.pool.Exec(ctx, query, v.UserID, v.PromptID, v.Reason)
	return err
}

// --- Queue log mirror ---

// InsertQueueLog never surfaces a write failure as a control-plane
// error; callers treat it as best-effort (spec.md §9). A transient
// Postgres outage must not affect admission or dispatch.
func (s *PostgresStore) InsertQueueLog(ctx context.Context, e *QueueLogEntry) error {
	query := `
		INSERT INTO queue_log (action, request_id, user_id, timestamp)
		VALUES ($1, $2, $3, NOW())
	`
	_, err := s.pool.Exec(ctx, query, e.Action, e.RequestID, e.UserID)
	return err
}
