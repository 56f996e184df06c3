//go:build cgo

package tabletalk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeOpenAI serves chat and embedding endpoints the way the cloud
// backend does, with a fixed chat answer.
func fakeOpenAI(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	return fakeOpenAIFunc(t, func() string { return answer })
}

// fakeOpenAIFunc is fakeOpenAI with an answer that is re-evaluated per
// request, for tests that change the backend's reply mid-flight.
func fakeOpenAIFunc(t *testing.T, answer func() string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-4",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": answer()}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		data := make([]map[string]interface{}, len(req.Input))
		for i, text := range req.Input {
			v := make([]float32, 8)
			for j, b := range []byte(text) {
				v[j%8] += float32(b) / 255
			}
			data[i] = map[string]interface{}{"embedding": v, "index": i}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSession(t *testing.T, answer string) Session {
	t.Helper()
	return sessionWithServer(t, fakeOpenAI(t, answer))
}

func sessionWithServer(t *testing.T, srv *httptest.Server) Session {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.StoreDir = filepath.Join(dir, "data")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.EmbeddingDim = 8
	cfg.CloudBaseURL = srv.URL
	cfg.LocalBaseURL = srv.URL

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing csv: %v", err)
	}
	return path
}

const budgetCSV = `date,project_id,amount,category
2024-03-15,P1,1234.56,Engineering
2024-04-01,P2,500,Marketing
`

func TestUploadAndAsk(t *testing.T) {
	answer := "The total amount was $1,734.56."
	s := testSession(t, answer)
	path := writeCSV(t, "budget.csv", budgetCSV)

	res, err := s.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.SourceName != "budget.csv" || res.RowCount != 2 || res.RowsEmbedded != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Columns.DateColumn != "date" {
		t.Errorf("date column = %q", res.Columns.DateColumn)
	}

	got := s.Ask(context.Background(), "what was the total amount?")
	if got != answer {
		t.Errorf("answer = %q, want %q", got, answer)
	}
}

func TestUploadIdempotent(t *testing.T) {
	s := testSession(t, "ok")
	path := writeCSV(t, "budget.csv", budgetCSV)

	if _, err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	res, err := s.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if res.RowsEmbedded != 0 {
		t.Errorf("unchanged re-upload embedded %d rows, want 0", res.RowsEmbedded)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	s := testSession(t, "ok")

	t.Run("wrong extension", func(t *testing.T) {
		path := writeCSV(t, "data.txt", "a,b\n1,2\n")
		if _, err := s.Upload(context.Background(), path); !errors.Is(err, ErrMalformedInput) {
			t.Errorf("error = %v, want ErrMalformedInput", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := s.Upload(context.Background(), "/nonexistent/x.csv"); !errors.Is(err, ErrSourceNotFound) {
			t.Errorf("error = %v, want ErrSourceNotFound", err)
		}
	})

	t.Run("duplicate columns", func(t *testing.T) {
		path := writeCSV(t, "dup.csv", "amount,Amount\n1,2\n")
		if _, err := s.Upload(context.Background(), path); !errors.Is(err, ErrDuplicateColumns) {
			t.Errorf("error = %v, want ErrDuplicateColumns", err)
		}
	})

	t.Run("empty table", func(t *testing.T) {
		path := writeCSV(t, "empty.csv", "a,b\n")
		if _, err := s.Upload(context.Background(), path); !errors.Is(err, ErrEmptyTable) {
			t.Errorf("error = %v, want ErrEmptyTable", err)
		}
	})
}

func TestAskWithoutData(t *testing.T) {
	s := testSession(t, "irrelevant")

	got := s.Ask(context.Background(), "what was the total?")
	if !strings.Contains(got, "couldn't find any relevant data") {
		t.Errorf("answer = %q, want the fixed no-data message", got)
	}
}

func TestAskCached(t *testing.T) {
	s := testSession(t, "The category was Engineering.")
	path := writeCSV(t, "budget.csv", budgetCSV)
	if _, err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("upload: %v", err)
	}

	first := s.Ask(context.Background(), "which category?")
	second := s.Ask(context.Background(), "which category?")
	if first != second {
		t.Errorf("cached answer differs: %q vs %q", first, second)
	}
}

func TestUploadInvalidatesCachedAnswers(t *testing.T) {
	var mu sync.Mutex
	answer := "The total amount was $1,734.56."
	setAnswer := func(a string) { mu.Lock(); answer = a; mu.Unlock() }
	s := sessionWithServer(t, fakeOpenAIFunc(t, func() string {
		mu.Lock()
		defer mu.Unlock()
		return answer
	}))

	path := writeCSV(t, "budget.csv", budgetCSV)
	if _, err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	first := s.Ask(context.Background(), "what was the total amount?")
	if first != answer {
		t.Fatalf("answer = %q", first)
	}

	// Replace the source's contents under the same name.
	changed := `date,project_id,amount,category
2024-03-15,P1,99,Engineering
2024-04-01,P2,1,Marketing
`
	if err := os.WriteFile(path, []byte(changed), 0644); err != nil {
		t.Fatalf("rewriting csv: %v", err)
	}
	res, err := s.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if res.RowsEmbedded == 0 {
		t.Fatal("changed re-upload embedded no rows")
	}

	want := "The total amount was $100.00."
	setAnswer(want)
	got := s.Ask(context.Background(), "what was the total amount?")
	if got != want {
		t.Errorf("answer after re-upload = %q, want %q", got, want)
	}
}

func TestSummaryMetricsAndColumnInfo(t *testing.T) {
	s := testSession(t, "ok")

	if _, err := s.SummaryMetrics(); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("metrics without upload: error = %v", err)
	}

	path := writeCSV(t, "budget.csv", budgetCSV)
	if _, err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("upload: %v", err)
	}

	m, err := s.SummaryMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m["total_amount"] != 1734.56 {
		t.Errorf("total_amount = %v", m["total_amount"])
	}

	info, err := s.ColumnInfo()
	if err != nil {
		t.Fatalf("column info: %v", err)
	}
	if info.DateColumn != "date" {
		t.Errorf("date column = %q", info.DateColumn)
	}
}

func TestHistoryAndReset(t *testing.T) {
	s := testSession(t, "The amount was $1,234.56.")
	path := writeCSV(t, "budget.csv", budgetCSV)
	if _, err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("upload: %v", err)
	}

	s.Ask(context.Background(), "what was the amount?")

	entries, err := s.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}

	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	entries, _ = s.History(context.Background(), 10)
	if len(entries) != 0 {
		t.Errorf("history after reset = %d entries", len(entries))
	}
	if _, err := s.SummaryMetrics(); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("metrics after reset: error = %v", err)
	}
}

func TestGenerateReport(t *testing.T) {
	s := testSession(t, "Spending is concentrated in Engineering.")
	path := writeCSV(t, "budget.csv", budgetCSV)
	if _, err := s.Upload(context.Background(), path); err != nil {
		t.Fatalf("upload: %v", err)
	}

	out := filepath.Join(t.TempDir(), "report.pdf")
	if err := s.GenerateReport(context.Background(), out); err != nil {
		t.Fatalf("report: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		t.Fatalf("report file missing or empty: %v", err)
	}
}

func TestModelSelection(t *testing.T) {
	s := testSession(t, "ok")

	models := s.AvailableModels()
	if len(models) == 0 {
		t.Fatal("no available models")
	}
	if s.ActiveModel() == "" {
		t.Error("no active model")
	}

	err := s.SetModel(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrBackendUnreachable) {
		t.Errorf("error = %v, want ErrBackendUnreachable", err)
	}
}
