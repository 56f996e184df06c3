//go:build cgo

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"tabletalk/ingest"
	"tabletalk/llm"
)

// fakeEmbedder produces deterministic vectors derived from text bytes.
type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("chat not supported by embedder fake")
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 4)
		for j, b := range []byte(text) {
			v[j%4] += float32(b) / 255
		}
		out[i] = v
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, *fakeEmbedder) {
	t.Helper()
	emb := &fakeEmbedder{}
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4, emb)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, emb
}

func sampleTable(t *testing.T) *ingest.Table {
	t.Helper()
	csv := `date,project_id,amount,quantity,category
2024-03-15,P1,1234.56,1234,Engineering
2024-04-01,P2,500,10,Marketing
`
	tbl, err := ingest.Load(strings.NewReader(csv), ingest.Options{MinRows: 1})
	if err != nil {
		t.Fatalf("loading sample table: %v", err)
	}
	return tbl
}

func TestNew(t *testing.T) {
	s, _ := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4, &fakeEmbedder{})
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestRenderRowDocument(t *testing.T) {
	tbl := sampleTable(t)
	doc := RenderRowDocument(tbl, 0)

	for _, want := range []string{
		"on 2024-03-15",
		"the amount was $1,234.56",
		"the quantity was 1,234",
		"the category was Engineering",
		"the project_id was P1",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "the year was") {
		t.Errorf("derived columns should not be rendered: %s", doc)
	}
}

func TestRowMetadata(t *testing.T) {
	tbl := sampleTable(t)
	meta := RowMetadata(tbl, 0, "budget.csv")

	if meta["source"] != "budget.csv" {
		t.Errorf("source = %v", meta["source"])
	}
	if meta["amount"] != 1234.56 {
		t.Errorf("amount = %v (%T), want float64 1234.56", meta["amount"], meta["amount"])
	}
	if meta["category"] != "Engineering" {
		t.Errorf("category = %v", meta["category"])
	}
	if meta["date"] != "2024-03-15" {
		t.Errorf("date = %v", meta["date"])
	}
	if meta["year"] != 2024.0 {
		t.Errorf("year = %v, want 2024", meta["year"])
	}
}

func TestGroupDigits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"999", "999"},
		{"1000", "1,000"},
		{"1234567", "1,234,567"},
		{"-45000", "-45,000"},
	}
	for _, tt := range tests {
		if got := groupDigits(tt.in); got != tt.want {
			t.Errorf("groupDigits(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := sampleTable(t)
	b := sampleTable(t)
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical tables must fingerprint identically")
	}

	c := sampleTable(t)
	c.Rows[0][2] = "9999"
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("changed cell must change the fingerprint")
	}
}

func TestEmbedTableIdempotent(t *testing.T) {
	s, emb := newTestStore(t)
	ctx := context.Background()
	tbl := sampleTable(t)

	n, err := s.EmbedTable(ctx, tbl, "budget.csv")
	if err != nil {
		t.Fatalf("first embed: %v", err)
	}
	if n != 2 {
		t.Fatalf("first embed wrote %d rows, want 2", n)
	}
	callsAfterFirst := emb.calls

	n, err = s.EmbedTable(ctx, tbl, "budget.csv")
	if err != nil {
		t.Fatalf("re-embed: %v", err)
	}
	if n != 0 {
		t.Errorf("unchanged re-upload wrote %d rows, want 0", n)
	}
	if emb.calls != callsAfterFirst {
		t.Error("unchanged re-upload must not call the embedding backend")
	}

	count, err := s.CountRows(ctx)
	if err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 2 {
		t.Errorf("row count = %d, want 2 (no duplicates)", count)
	}
}

func TestEmbedTableChangedContent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EmbedTable(ctx, sampleTable(t), "budget.csv"); err != nil {
		t.Fatalf("first embed: %v", err)
	}

	changed := sampleTable(t)
	changed.Rows = changed.Rows[:1]
	n, err := s.EmbedTable(ctx, changed, "budget.csv")
	if err != nil {
		t.Fatalf("re-embed changed: %v", err)
	}
	if n != 1 {
		t.Errorf("changed embed wrote %d rows, want 1", n)
	}

	count, _ := s.CountRows(ctx)
	if count != 1 {
		t.Errorf("row count = %d, want 1 (stale rows dropped)", count)
	}
	vecs, _ := s.CountVectors(ctx)
	if vecs != 1 {
		t.Errorf("vector count = %d, want 1", vecs)
	}
}

func TestEmbedTableBatchFailure(t *testing.T) {
	s, emb := newTestStore(t)
	emb.fail = true

	_, err := s.EmbedTable(context.Background(), sampleTable(t), "budget.csv")
	if !errors.Is(err, ErrBatchWriteFailed) {
		t.Fatalf("error = %v, want ErrBatchWriteFailed", err)
	}

	// The fingerprint stays provisional so a retry re-indexes.
	src, err := s.GetSource(context.Background(), "budget.csv")
	if err != nil {
		t.Fatalf("source record missing after failed embed: %v", err)
	}
	if src.Fingerprint != "pending" {
		t.Errorf("fingerprint = %q, want pending", src.Fingerprint)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EmbedTable(ctx, sampleTable(t), "budget.csv"); err != nil {
		t.Fatalf("embed: %v", err)
	}

	res := s.Query(ctx, "how much was the engineering amount", 5, "")
	if res.Empty() {
		t.Fatal("expected results from populated store")
	}

	n := len(res.Documents)
	if len(res.IDs) != n || len(res.Metadatas) != n || len(res.Distances) != n {
		t.Fatalf("result slices not parallel: ids=%d docs=%d metas=%d dists=%d",
			len(res.IDs), n, len(res.Metadatas), len(res.Distances))
	}

	foundDate := false
	for _, doc := range res.Documents {
		if strings.Contains(doc, "on 2024-03-15") {
			foundDate = true
		}
	}
	if !foundDate {
		t.Errorf("no document carries the rendered date: %v", res.Documents)
	}

	for _, meta := range res.Metadatas {
		if meta["source"] != "budget.csv" {
			t.Errorf("metadata source = %v", meta["source"])
		}
	}
}

func TestQuerySourceFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EmbedTable(ctx, sampleTable(t), "budget.csv"); err != nil {
		t.Fatalf("embed: %v", err)
	}

	res := s.Query(ctx, "amount", 5, "other.csv")
	if !res.Empty() {
		t.Errorf("filter on unknown source should return empty, got %d docs", len(res.Documents))
	}
}

func TestQuerySourceFilterFillsK(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EmbedTable(ctx, sampleTable(t), "budget.csv"); err != nil {
		t.Fatalf("embed budget: %v", err)
	}

	csv := `date,project_id,amount,quantity,category
2023-01-10,Z9,42,7,Operations
2023-02-20,Z8,77,3,Logistics
`
	other, err := ingest.Load(strings.NewReader(csv), ingest.Options{MinRows: 1})
	if err != nil {
		t.Fatalf("loading second table: %v", err)
	}
	if _, err := s.EmbedTable(ctx, other, "ops.csv"); err != nil {
		t.Fatalf("embed ops: %v", err)
	}

	// The query text matches a budget.csv row exactly, so its neighbours
	// would crowd out ops.csv rows if k applied before the filter.
	question := RenderRowDocument(sampleTable(t), 0)
	res := s.Query(ctx, question, 2, "ops.csv")
	if len(res.Documents) != 2 {
		t.Fatalf("filtered query returned %d docs, want 2", len(res.Documents))
	}
	for _, meta := range res.Metadatas {
		if meta["source"] != "ops.csv" {
			t.Errorf("metadata source = %v, want ops.csv", meta["source"])
		}
	}
}

func TestQueryDegradesToEmpty(t *testing.T) {
	s, emb := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EmbedTable(ctx, sampleTable(t), "budget.csv"); err != nil {
		t.Fatalf("embed: %v", err)
	}

	emb.fail = true
	res := s.Query(ctx, "anything", 5, "")
	if !res.Empty() {
		t.Error("query with failing embedder must degrade to empty")
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EmbedTable(ctx, sampleTable(t), "budget.csv"); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	count, _ := s.CountRows(ctx)
	if count != 0 {
		t.Errorf("row count after clear = %d", count)
	}
	vecs, _ := s.CountVectors(ctx)
	if vecs != 0 {
		t.Errorf("vector count after clear = %d", vecs)
	}
	if sources, _ := s.ListSources(ctx); len(sources) != 0 {
		t.Errorf("sources after clear = %d", len(sources))
	}
}

func TestQueryLogHistory(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.LogQuery(ctx, QueryLog{
			Question:  fmt.Sprintf("question %d", i),
			Answer:    fmt.Sprintf("answer %d", i),
			ModelUsed: "test-model",
		})
		if err != nil {
			t.Fatalf("logging query %d: %v", i, err)
		}
	}

	entries, err := s.RecentQueries(ctx, 2)
	if err != nil {
		t.Fatalf("reading history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Chronological order: oldest of the returned window first.
	if entries[0].Question != "question 1" || entries[1].Question != "question 2" {
		t.Errorf("unexpected order: %q, %q", entries[0].Question, entries[1].Question)
	}
}
