package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/pkg/models"
)

// PostgresStore persists patterns in PostgreSQL so they are shared
// across hosts. Ranking still happens in-process: the candidate set is
// small and the Jaccard math must match the memory store exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL and creates the patterns table
// if it does not exist.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("patterns connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("patterns ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("patterns migrate: %w", err)
	}

	log.Info().Msg("Postgres pattern store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS lectern_patterns (
			id         TEXT PRIMARY KEY,
			query      TEXT NOT NULL,
			summary    TEXT NOT NULL DEFAULT '',
			score      DOUBLE PRECISION NOT NULL,
			key_terms  TEXT[] NOT NULL DEFAULT '{}',
			strategies TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lectern_patterns_score ON lectern_patterns (score DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Store appends a new immutable pattern when score clears MinScore.
func (s *PostgresStore) Store(ctx context.Context, query, text string, score float64, feedback string) (*models.ReasoningPattern, error) {
	if score < MinScore {
		log.Debug().Float64("score", score).Msg("Score too low to store pattern")
		return nil, nil
	}

	pattern := models.ReasoningPattern{
		ID:         uuid.NewString(),
		Query:      query,
		Summary:    Summarize(text),
		Score:      score,
		KeyTerms:   ExtractKeyTerms(query),
		Strategies: ExtractStrategies(text, feedback),
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO lectern_patterns (id, query, summary, score, key_terms, strategies, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pattern.ID, pattern.Query, pattern.Summary, pattern.Score,
		pattern.KeyTerms, pattern.Strategies, pattern.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("patterns insert: %w", err)
	}

	log.Info().Float64("score", score).Msg("Pattern stored")
	return &pattern, nil
}

// Retrieve loads candidates whose term arrays overlap the query's terms
// and ranks them in-process.
func (s *PostgresStore) Retrieve(ctx context.Context, query string, topK int) ([]models.PatternMatch, error) {
	queryTerms := ExtractKeyTerms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, query, summary, score, key_terms, strategies, created_at
		 FROM lectern_patterns
		 WHERE key_terms && $1`,
		queryTerms)
	if err != nil {
		return nil, fmt.Errorf("patterns query: %w", err)
	}
	defer rows.Close()

	var candidates []models.ReasoningPattern
	for rows.Next() {
		var p models.ReasoningPattern
		if err := rows.Scan(&p.ID, &p.Query, &p.Summary, &p.Score, &p.KeyTerms, &p.Strategies, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("patterns scan: %w", err)
		}
		candidates = append(candidates, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rankMatches(queryTerms, candidates, topK), nil
}

// Count reports how many patterns are stored.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM lectern_patterns").Scan(&count)
	return count, err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
