// Ingest loads the knowledge base into the vector store. Each .txt or .md
// file under the knowledge directory is split into passages on blank lines
// and embedded one by one.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/genai"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/retriever"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

// maxPassageLen caps a single passage so one oversized paragraph does not
// blow the embedding request.
const maxPassageLen = 1000

type ingestConfig struct {
	Retriever retriever.Config

	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`
}

func main() {
	dir := flag.String("dir", "knowledge_base", "directory of .txt/.md files to ingest")
	flag.Parse()

	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		logx.Info().Msg("No .env file found, using environment variables")
	}

	var cfg ingestConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logx.Fatal().Err(err).Msg("Failed to process environment config")
	}

	pool, err := retriever.NewPool(ctx, cfg.Retriever.DatabaseURL)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Postgres pool")
	}
	defer pool.Close()

	genaiCfg := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		genaiCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, genaiCfg)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Gemini client")
	}

	r := retriever.New(pool, client, cfg.Retriever)
	if err := r.EnsureSchema(ctx); err != nil {
		logx.Fatal().Err(err).Msg("Failed to ensure vector schema")
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		logx.Fatal().Err(err).Str("dir", *dir).Msg("Failed to read knowledge directory")
	}

	total := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".md" {
			logx.Info().Str("file", entry.Name()).Msg("Skipping unsupported file type")
			continue
		}

		raw, err := os.ReadFile(filepath.Join(*dir, entry.Name()))
		if err != nil {
			logx.Error().Err(err).Str("file", entry.Name()).Msg("Failed to read file")
			continue
		}

		passages := splitPassages(string(raw))
		for _, passage := range passages {
			if err := r.AddPassage(ctx, passage); err != nil {
				logx.Fatal().Err(err).Str("file", entry.Name()).Msg("Failed to ingest passage")
			}
		}
		total += len(passages)
		logx.Info().Str("file", entry.Name()).Int("passages", len(passages)).Msg("Ingested file")
	}

	if total == 0 {
		logx.Fatal().Str("dir", *dir).Msg("No passages ingested, check the knowledge directory")
	}
	logx.Info().Int("total", total).Msg("Knowledge base ingested")
}

// splitPassages splits text on blank lines, then packs consecutive paragraphs
// together up to maxPassageLen so tiny paragraphs are not embedded alone.
func splitPassages(text string) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")

	var passages []string
	var current strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > maxPassageLen {
			passages = append(passages, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		passages = append(passages, current.String())
	}
	return passages
}
