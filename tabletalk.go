// Package tabletalk answers natural-language questions about uploaded
// tabular data. Rows are rendered to sentences, embedded into a local
// vector index, and questions are answered by a model backend grounded
// on the retrieved rows, with numeric claims validated against the
// data before an answer is released.
package tabletalk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tabletalk/cache"
	"tabletalk/ingest"
	"tabletalk/llm"
	"tabletalk/query"
	"tabletalk/registry"
	"tabletalk/report"
	"tabletalk/store"
)

// Session is the main entry point.
type Session interface {
	// Upload ingests a CSV or XLSX file, embeds its rows, and makes it
	// the current source. Unchanged re-uploads skip embedding.
	Upload(ctx context.Context, path string) (*UploadResult, error)

	// Ask answers a question about the uploaded data. The returned text
	// is always user-facing; failures surface as fixed messages, never
	// as errors.
	Ask(ctx context.Context, question string) string

	// History returns the latest n answered questions, oldest first.
	History(ctx context.Context, n int) ([]HistoryEntry, error)

	// SummaryMetrics returns per-column statistics for the current source.
	SummaryMetrics() (map[string]float64, error)

	// ColumnInfo returns the column classification of the current source.
	ColumnInfo() (ingest.ColumnInfo, error)

	// GenerateReport writes an analysis report PDF for the current source.
	GenerateReport(ctx context.Context, outPath string) error

	// AvailableModels lists backends that passed their availability probe.
	AvailableModels() []string

	// ActiveModel returns the currently selected backend name.
	ActiveModel() string

	// SetModel switches the active backend, re-probing it first.
	SetModel(ctx context.Context, name string) error

	// Sources lists every indexed dataset.
	Sources(ctx context.Context) ([]store.Source, error)

	// Reset drops all indexed data and cached answers.
	Reset(ctx context.Context) error

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close releases the database.
	Close() error
}

// UploadResult reports the outcome of one upload.
type UploadResult struct {
	SourceName   string            `json:"source_name"`
	RowCount     int               `json:"row_count"`
	RowsEmbedded int               `json:"rows_embedded"`
	Columns      ingest.ColumnInfo `json:"columns"`
}

// HistoryEntry is one answered question in the conversation log.
type HistoryEntry = store.HistoryEntry

// Backend display names. The cloud backend is first and doubles as the
// dispatch fallback.
const (
	BackendCloud = "OpenAI GPT-4"
	BackendLocal = "Local Llama"
)

// session is the concrete implementation of Session. A single mutex
// serialises uploads, questions, and resets: the store and the current
// table are shared state and resets are destructive.
type session struct {
	mu sync.Mutex

	cfg      Config
	store    *store.Store
	registry *registry.Registry
	engine   *query.Engine
	answers  *cache.Cache

	tables  map[string]*ingest.Table
	current string
}

// New builds a session from configuration: opens the vector index,
// probes the configured backends, and prepares the answer cache.
func New(ctx context.Context, cfg Config) (Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	embedder, err := llm.NewProvider(llm.Config{
		Provider: "openai",
		Model:    cfg.EmbeddingModel,
		BaseURL:  cfg.CloudBaseURL,
		APIKey:   cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	s, err := store.New(cfg.dbPath(), cfg.EmbeddingDim, embedder)
	if err != nil {
		return nil, err
	}

	reg := registry.New(ctx, []registry.BackendSpec{
		{Name: BackendCloud, Cfg: llm.Config{
			Provider: "openai",
			Model:    cfg.ChatModel,
			BaseURL:  cfg.CloudBaseURL,
			APIKey:   cfg.APIKey,
		}},
		{Name: BackendLocal, Cfg: llm.Config{
			Provider: "ollama",
			Model:    cfg.LocalModel,
			BaseURL:  cfg.LocalBaseURL,
		}},
	})

	answers, err := cache.New(cfg.CacheDir, cfg.CacheExpiryHours)
	if err != nil {
		s.Close()
		return nil, err
	}
	if removed, err := answers.ClearExpired(); err == nil && removed > 0 {
		slog.Info("dropped expired cached answers", "count", removed)
	}

	return &session{
		cfg:      cfg,
		store:    s,
		registry: reg,
		engine:   query.New(s, reg, cfg.DefaultTopK),
		answers:  answers,
		tables:   make(map[string]*ingest.Table),
	}, nil
}

func (s *session) Upload(ctx context.Context, path string) (*UploadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUpload(path); err != nil {
		return nil, err
	}

	sourceName := filepath.Base(path)
	opts := ingest.Options{MinRows: s.cfg.MinRows, MaxColumns: s.cfg.MaxColumns}

	var tbl *ingest.Table
	var err error
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		tbl, err = ingest.LoadXLSX(path, opts)
	} else {
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("opening upload: %w", openErr)
		}
		tbl, err = ingest.Load(f, opts)
		f.Close()
	}
	if err != nil {
		return nil, err
	}

	embedded, err := s.store.EmbedTable(ctx, tbl, sourceName)
	if err != nil {
		return nil, err
	}
	if embedded > 0 {
		// Cached answers were computed over the replaced rows.
		if err := s.answers.Clear(); err != nil {
			slog.Warn("clearing cached answers", "error", err)
		}
	}

	s.tables[sourceName] = tbl
	s.current = sourceName

	slog.Info("upload complete",
		"source", sourceName, "rows", tbl.RowCount(), "embedded", embedded)
	return &UploadResult{
		SourceName:   sourceName,
		RowCount:     tbl.RowCount(),
		RowsEmbedded: embedded,
		Columns:      tbl.Info(),
	}, nil
}

// checkUpload enforces extension and size limits before parsing.
func (s *session) checkUpload(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != s.cfg.AllowedExtension && ext != ".xlsx" {
		return fmt.Errorf("%w: unsupported file type %q", ErrMalformedInput, ext)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}
	if maxBytes := int64(s.cfg.MaxUploadMB) << 20; info.Size() > maxBytes {
		return fmt.Errorf("%w: file exceeds %d MB", ErrMalformedInput, s.cfg.MaxUploadMB)
	}
	return nil
}

func (s *session) Ask(ctx context.Context, question string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if answer, ok := s.answers.Get(question); ok {
		slog.Info("answer served from cache", "question", question)
		return answer
	}

	resp := s.engine.Ask(ctx, question)
	if resp.Answered() {
		if err := s.answers.Put(question, resp.Text); err != nil {
			slog.Warn("caching answer", "error", err)
		}
	}
	return resp.Text
}

func (s *session) History(ctx context.Context, n int) ([]HistoryEntry, error) {
	if n <= 0 {
		n = 50
	}
	return s.store.RecentQueries(ctx, n)
}

func (s *session) SummaryMetrics() (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.currentTable()
	if err != nil {
		return nil, err
	}
	return tbl.SummaryMetrics(), nil
}

func (s *session) ColumnInfo() (ingest.ColumnInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.currentTable()
	if err != nil {
		return ingest.ColumnInfo{}, err
	}
	return tbl.Info(), nil
}

func (s *session) GenerateReport(ctx context.Context, outPath string) error {
	s.mu.Lock()
	tbl, err := s.currentTable()
	current := s.current
	s.mu.Unlock()
	if err != nil {
		return err
	}

	insights := s.engine.Ask(ctx, report.AnalysisQuestion(current)).Text
	return report.Write(outPath, tbl.SummaryMetrics(), insights)
}

func (s *session) AvailableModels() []string {
	return s.registry.AvailableBackends()
}

func (s *session) ActiveModel() string {
	return s.registry.Active()
}

func (s *session) SetModel(ctx context.Context, name string) error {
	return s.registry.SetActive(ctx, name)
}

func (s *session) Sources(ctx context.Context) ([]store.Source, error) {
	return s.store.ListSources(ctx)
}

func (s *session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	if err := s.answers.Clear(); err != nil {
		return err
	}
	s.tables = make(map[string]*ingest.Table)
	s.current = ""
	slog.Info("session reset")
	return nil
}

func (s *session) Store() *store.Store {
	return s.store
}

func (s *session) Close() error {
	return s.store.Close()
}

// currentTable returns the most recently uploaded table. Callers hold s.mu.
func (s *session) currentTable() (*ingest.Table, error) {
	if s.current == "" {
		return nil, fmt.Errorf("%w: no data uploaded", ErrSourceNotFound)
	}
	tbl, ok := s.tables[s.current]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, s.current)
	}
	return tbl, nil
}
