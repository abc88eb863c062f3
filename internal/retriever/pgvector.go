// Package retriever implements the knowledge retriever on PostgreSQL with
// pgvector: queries are embedded with a Gemini embedding model and matched
// against stored passages by cosine distance.
package retriever

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"google.golang.org/genai"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	errx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/core/error"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

type Config struct {
	DatabaseURL    string `envconfig:"DATABASE_URL" required:"true"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingDim   int    `envconfig:"EMBEDDING_DIM" default:"768"`
}

// NewPool opens a pgx pool with pgvector types registered on every connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errx.WrapPostgres(err)
	}
	return pool, nil
}

// PgVectorRetriever answers top-K similarity queries over the documents table.
type PgVectorRetriever struct {
	pool   *pgxpool.Pool
	client *genai.Client
	cfg    Config
}

func New(pool *pgxpool.Pool, client *genai.Client, cfg Config) *PgVectorRetriever {
	return &PgVectorRetriever{pool: pool, client: client, cfg: cfg}
}

func (r *PgVectorRetriever) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := r.client.Models.EmbedContent(ctx, r.cfg.EmbeddingModel,
		genai.Text(text),
		&genai.EmbedContentConfig{
			OutputDimensionality: genai.Ptr(int32(r.cfg.EmbeddingDim)),
		},
	)
	if err != nil {
		return pgvector.Vector{}, errx.WrapLLM(err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding returned")
	}
	return pgvector.NewVector(resp.Embeddings[0].Values), nil
}

// Retrieve returns the content of the k nearest passages in ranking order.
// An empty result set is valid.
func (r *PgVectorRetriever) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		k = 10
	}

	embedding, err := r.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT content FROM documents ORDER BY embedding <=> $1 LIMIT $2`,
		embedding, k,
	)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	var passages []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, errx.WrapPostgres(err)
		}
		passages = append(passages, content)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapPostgres(err)
	}

	logx.Debug().Int("passages", len(passages)).Int("top_k", k).Msg("Vector search completed")
	return passages, nil
}

// EnsureSchema creates the documents table and the vector extension. Used by
// the ingest command; the server assumes the index already exists.
func (r *PgVectorRetriever) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id bigserial PRIMARY KEY,
			content text NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, r.cfg.EmbeddingDim),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return errx.WrapPostgres(err)
		}
	}
	return nil
}

// AddPassage embeds and stores one knowledge passage.
func (r *PgVectorRetriever) AddPassage(ctx context.Context, content string) error {
	embedding, err := r.embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embed passage: %w", err)
	}
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO documents (content, embedding) VALUES ($1, $2)`,
		content, embedding,
	); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

var _ model.KnowledgeRetriever = (*PgVectorRetriever)(nil)
