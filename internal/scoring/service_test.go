package scoring_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servision-wang/data-processing/internal/ledger"
	"github.com/servision-wang/data-processing/internal/metrics"
	"github.com/servision-wang/data-processing/internal/model"
	"github.com/servision-wang/data-processing/internal/scoring"
	"github.com/servision-wang/data-processing/internal/store"
)

const userHeader = "X-User-ID"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T, st store.Store, hub *scoring.Hub) (*scoring.Service, chi.Router) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore(store.LockOptions{Timeout: time.Second, RetryInterval: 5 * time.Millisecond})
	}
	svc := scoring.NewService(st, ledger.New(ledger.DefaultMaxHistory), hub, userHeader)

	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes())
	return svc, r
}

func do(t *testing.T, router http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func calculate(t *testing.T, router http.Handler, user, text, hit string) scoring.CalculateResult {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/calculate", user, map[string]string{
		"text":       text,
		"hit_number": hit,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res scoring.CalculateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func scores(t *testing.T, router http.Handler, user string) map[string]decimal.Decimal {
	t.Helper()
	w := do(t, router, http.MethodGet, "/api/v1/scores", user, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rows []model.Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.Name] = row.Score
	}
	return out
}

func history(t *testing.T, router http.Handler, user string) []model.Entry {
	t.Helper()
	w := do(t, router, http.MethodGet, "/api/v1/history", user, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var entries []model.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	return entries
}

func errorText(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func assertDecimal(t *testing.T, want, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, want.Equal(got), "%s: want %s, got %s", msg, want, got)
}

// --- Auth ---

func TestRoutes_RequireUserHeader(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodGet, "/api/v1/scores", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, errorText(t, w), userHeader)

	w = do(t, router, http.MethodGet, "/api/v1/scores", "   ", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- Calculation ---

func TestCalculate_ThreeDistinctDigitsIsInvalid(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	res := calculate(t, router, "u1", "Alice:123/100", "1")

	require.Len(t, res.ProcessedItems, 1)
	item := res.ProcessedItems[0]
	assert.True(t, item.IsInvalid)
	assert.Empty(t, item.Digits)
	assert.Equal(t, "100", item.Total)
	assert.Nil(t, item.TotalScore)

	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Error)
	assertDecimal(t, decimal.Zero, res.Summary.TotalSum, "total")
	assert.Empty(t, res.UpdatedScores)

	assert.Empty(t, history(t, router, "u1"))
}

func TestCalculate_RepeatedDigitHit(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	res := calculate(t, router, "u1", "Bob:114/50", "1")

	require.Len(t, res.Results, 1)
	assert.Equal(t, []string{"1", "1", "4"}, res.ProcessedItems[0].Digits)
	assertDecimal(t, d(75), res.Results[0].Value, "value")
	assertDecimal(t, decimal.Zero, res.Results[0].Deduction, "deduction")
	assertDecimal(t, d(75), res.UpdatedScores["Bob"], "updated")
	require.NotNil(t, res.ProcessedItems[0].TotalScore)
	assertDecimal(t, d(75), *res.ProcessedItems[0].TotalScore, "total_score")
}

func TestCalculate_FlatBandDeduction(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	res := calculate(t, router, "u1", "Carol:1/900", "1")

	require.Len(t, res.Results, 1)
	assertDecimal(t, d(2580), res.Results[0].Value, "value")
	assertDecimal(t, d(120), res.Results[0].Deduction, "deduction")
	assertDecimal(t, d(2580), scores(t, router, "u1")["Carol"], "score")
}

func TestCalculate_MixedBatch(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	res := calculate(t, router, "u1", "Alice:1/100 2/50\nBob:114/50\n123/10", "1")

	require.Len(t, res.ProcessedItems, 4)
	require.Len(t, res.Results, 4)

	assertDecimal(t, d(290), res.Results[0].Value, "alice hit")
	assertDecimal(t, d(10), res.Results[0].Deduction, "alice deduction")
	assertDecimal(t, d(-50), res.Results[1].Value, "alice miss")
	assertDecimal(t, d(75), res.Results[2].Value, "bob")
	assert.Equal(t, "Bob", res.ProcessedItems[3].Label)
	assert.True(t, res.Results[3].Error)

	assertDecimal(t, d(315), res.Summary.TotalSum, "total")
	assertDecimal(t, d(365), res.Summary.PositiveSum, "positive")
	assertDecimal(t, d(-50), res.Summary.NegativeSum, "negative")
	assert.Equal(t, 3, res.Summary.MaxDigitWidth)

	assertDecimal(t, d(240), res.UpdatedScores["Alice"], "alice net")
	assertDecimal(t, d(75), res.UpdatedScores["Bob"], "bob net")

	entries := history(t, router, "u1")
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryCalculation, entries[0].Type)
	require.NotNil(t, entries[0].Calculation)
	assert.Equal(t, "1", entries[0].Calculation.HitNumber)
	assertDecimal(t, d(315), entries[0].Calculation.TotalSum, "entry total")
	assert.Empty(t, entries[0].ScoresBeforeChange)
}

func TestCalculate_Accumulates(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	calculate(t, router, "u1", "Bob:114/50", "1")
	res := calculate(t, router, "u1", "Bob:114/50", "1")

	assertDecimal(t, d(150), res.UpdatedScores["Bob"], "bob")
	require.NotNil(t, res.ProcessedItems[0].TotalScore)
	assertDecimal(t, d(150), *res.ProcessedItems[0].TotalScore, "total_score")

	entries := history(t, router, "u1")
	require.Len(t, entries, 2)
	assertDecimal(t, d(75), entries[0].ScoresBeforeChange["Bob"], "before second")
}

func TestCalculate_BadInput(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	tests := map[string]map[string]string{
		"hit out of range": {"text": "A:1/10", "hit_number": "5"},
		"hit missing":      {"text": "A:1/10"},
		"text missing":     {"hit_number": "1"},
		"text blank":       {"text": " \n\t", "hit_number": "1"},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/calculate", "u1", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestCalculate_MalformedJSON(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculate", strings.NewReader("{"))
	req.Header.Set(userHeader, "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalculate_UsesSavedConfig(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodPut, "/api/v1/config", "u1", map[string]any{
		"special_chars": []string{"#"},
		"deduction_rules": []map[string]any{
			{"min": 81, "max": nil, "deduction": 1},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := calculate(t, router, "u1", "Dan:1/900\nEve:112/10#", "1")

	assertDecimal(t, d(2699), res.Results[0].Value, "single")
	assert.True(t, res.ProcessedItems[1].IsSpecial)
	assert.Equal(t, "#", res.ProcessedItems[1].SpecialChar)
	assertDecimal(t, d(20), res.Results[1].Value, "special")
}

// --- Leaderboard ---

func TestScores_SortedDescending(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	for name, score := range map[string]float64{"Bob": 10, "Alice": 30, "Carl": 10, "Dan": -5} {
		w := do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": name, "score": score})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := do(t, router, http.MethodGet, "/api/v1/scores", "u1", nil)
	var rows []model.Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))

	names := make([]string, len(rows))
	for i, row := range rows {
		names[i] = row.Name
	}
	assert.Equal(t, []string{"Alice", "Bob", "Carl", "Dan"}, names)
}

func TestUpdateScore_RequiresScore(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorText(t, w), "score is required")
}

func TestUpdateScore_RejectsBlankName(t *testing.T) {
	cases := map[string]struct {
		body map[string]any
		want string
	}{
		"missing": {body: map[string]any{"score": 100}, want: "name is required"},
		"blank":   {body: map[string]any{"name": "   ", "score": 100}, want: "name must not be blank"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, router := newTestEnv(t, nil, nil)

			w := do(t, router, http.MethodPost, "/api/v1/scores", "u1", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errorText(t, w), tc.want)

			assert.Empty(t, scores(t, router, "u1"))
			assert.Empty(t, history(t, router, "u1"))
		})
	}
}

func TestUpdateScore_TrimsName(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "  Alice ", "score": 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := scores(t, router, "u1")
	require.Len(t, got, 1)
	assertDecimal(t, d(7), got["Alice"], "trimmed")
}

func TestEditScore_RejectsBlankNewName(t *testing.T) {
	cases := map[string]struct {
		body map[string]any
		want string
	}{
		"missing": {body: map[string]any{"score": 120}, want: "new_name is required"},
		"blank":   {body: map[string]any{"new_name": " \t ", "score": 120}, want: "new_name must not be blank"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, router := newTestEnv(t, nil, nil)
			do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 100})

			w := do(t, router, http.MethodPut, "/api/v1/scores/Alice", "u1", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errorText(t, w), tc.want)

			got := scores(t, router, "u1")
			require.Len(t, got, 1)
			assertDecimal(t, d(100), got["Alice"], "unchanged")
			assert.Len(t, history(t, router, "u1"), 1)
		})
	}
}

func TestEditScore_TrimsNames(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 100})

	w := do(t, router, http.MethodPut, "/api/v1/scores/%20Alice%20", "u1", map[string]any{"new_name": " Alicia ", "score": 120})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := scores(t, router, "u1")
	require.Len(t, got, 1)
	assertDecimal(t, d(120), got["Alicia"], "renamed")

	w = do(t, router, http.MethodDelete, "/api/v1/scores/%20Alicia", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, scores(t, router, "u1"))
}

func TestEditScore_Rename(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 100})

	w := do(t, router, http.MethodPut, "/api/v1/scores/Alice", "u1", map[string]any{"new_name": "Alicia", "score": 120})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := scores(t, router, "u1")
	assert.NotContains(t, got, "Alice")
	assertDecimal(t, d(120), got["Alicia"], "renamed")

	entries := history(t, router, "u1")
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryManualEdit, entries[0].Type)
}

func TestEditScore_EncodedName(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "老 王", "score": 5})

	w := do(t, router, http.MethodPut, "/api/v1/scores/%E8%80%81%20%E7%8E%8B", "u1", map[string]any{"new_name": "老王", "score": 6})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := scores(t, router, "u1")
	assertDecimal(t, d(6), got["老王"], "renamed")
}

func TestEditScore_NameConflict(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 100})
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Bob", "score": 50})

	w := do(t, router, http.MethodPut, "/api/v1/scores/Alice", "u1", map[string]any{"new_name": "Bob", "score": 10})
	assert.Equal(t, http.StatusConflict, w.Code)

	got := scores(t, router, "u1")
	assertDecimal(t, d(100), got["Alice"], "alice")
	assertDecimal(t, d(50), got["Bob"], "bob")
	assert.Len(t, history(t, router, "u1"), 2)
}

func TestEditScore_MissingTarget(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodPut, "/api/v1/scores/Ghost", "u1", map[string]any{"new_name": "Ghost", "score": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteScore(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 100})

	w := do(t, router, http.MethodDelete, "/api/v1/scores/Alice", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, scores(t, router, "u1"))

	// Deleting again is a no-op and records nothing.
	w = do(t, router, http.MethodDelete, "/api/v1/scores/Alice", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	entries := history(t, router, "u1")
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryManualDelete, entries[0].Type)
}

func TestClearScores_KeepsHistory(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	calculate(t, router, "u1", "Bob:114/50", "1")

	w := do(t, router, http.MethodDelete, "/api/v1/scores", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Empty(t, scores(t, router, "u1"))
	assert.Len(t, history(t, router, "u1"), 1)
}

func TestExportScores(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 12.5})
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Bob", "score": -3})

	w := do(t, router, http.MethodGet, "/api/v1/scores/export", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "➕\nAlice 12.5\n➖\nBob -3\n", w.Body.String())
}

func TestUsersIsolated(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	calculate(t, router, "u1", "Bob:114/50", "1")

	assert.Empty(t, scores(t, router, "u2"))
	assert.Empty(t, history(t, router, "u2"))
}

// --- History ---

func TestHistory_MostRecentFirst(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 1})
	do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 2})
	calculate(t, router, "u1", "Bob:114/50", "1")

	entries := history(t, router, "u1")
	require.Len(t, entries, 3)
	assert.Equal(t, model.EntryCalculation, entries[0].Type)
	assert.Equal(t, model.EntryManualUpdate, entries[1].Type)
	assert.Equal(t, model.EntryManualAdd, entries[2].Type)
	assert.Greater(t, entries[0].ID, entries[1].ID)
	assert.Greater(t, entries[1].ID, entries[2].ID)
}

func TestRollback(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	calculate(t, router, "u1", "Bob:114/50", "1")
	calculate(t, router, "u1", "Alice:1/100", "1")
	calculate(t, router, "u1", "Bob:2/10", "1")

	entries := history(t, router, "u1")
	require.Len(t, entries, 3)
	second := entries[1]

	w := do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/history/%d/rollback", second.ID), "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := scores(t, router, "u1")
	assert.Len(t, got, 1)
	assertDecimal(t, d(75), got["Bob"], "bob")

	remaining := history(t, router, "u1")
	require.Len(t, remaining, 1)
	assert.Equal(t, entries[2].ID, remaining[0].ID)
}

func TestRollback_Errors(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodPost, "/api/v1/history/12345/rollback", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/history/latest/rollback", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Configuration ---

func TestConfig_DefaultsWhenUnset(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodGet, "/api/v1/config", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg model.Config
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, []string{"挖", "爬"}, cfg.SpecialChars)
	assert.Len(t, cfg.DeductionRules, 11)
}

func TestConfig_SaveCleansAndSorts(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	w := do(t, router, http.MethodPut, "/api/v1/config", "u1", map[string]any{
		"special_chars": []string{" # ", "#", "@"},
		"deduction_rules": []map[string]any{
			{"min": 200, "max": nil, "deduction": 10},
			{"min": 81, "max": 199, "deduction": 5},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodGet, "/api/v1/config", "u1", nil)
	var cfg model.Config
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, []string{"#", "@"}, cfg.SpecialChars)
	require.Len(t, cfg.DeductionRules, 2)
	assertDecimal(t, d(81), cfg.DeductionRules[0].Min, "first band")
}

func TestConfig_RejectsInvalid(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)

	tests := map[string]map[string]any{
		"missing rules": {"special_chars": []string{"#"}},
		"missing chars": {"deduction_rules": []any{}},
		"gap": {
			"special_chars": []string{"#"},
			"deduction_rules": []map[string]any{
				{"min": 81, "max": 100, "deduction": 5},
				{"min": 150, "max": nil, "deduction": 10},
			},
		},
		"increment without interval": {
			"special_chars": []string{"#"},
			"deduction_rules": []map[string]any{
				{"min": 81, "max": nil, "deduction": 5, "increment": 1},
			},
		},
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, http.MethodPut, "/api/v1/config", "u1", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	// Nothing was stored.
	w := do(t, router, http.MethodGet, "/api/v1/config", "u1", nil)
	var cfg model.Config
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Len(t, cfg.DeductionRules, 11)
}

func TestConfig_Reset(t *testing.T) {
	_, router := newTestEnv(t, nil, nil)
	do(t, router, http.MethodPut, "/api/v1/config", "u1", map[string]any{
		"special_chars":   []string{"#"},
		"deduction_rules": []any{},
	})

	w := do(t, router, http.MethodDelete, "/api/v1/config", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/config", "u1", nil)
	var cfg model.Config
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, []string{"挖", "爬"}, cfg.SpecialChars)
}

// --- Store failures ---

type failingStore struct {
	store.Store
	updateErr error
	readErr   error
}

func (s *failingStore) UpdateBook(ctx context.Context, userID string, fn func(*model.Book) error) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.UpdateBook(ctx, userID, fn)
}

func (s *failingStore) GetBook(ctx context.Context, userID string) (*model.Book, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.Store.GetBook(ctx, userID)
}

func TestLockTimeout_IsRetryable(t *testing.T) {
	st := &failingStore{
		Store:     store.NewMemoryStore(store.DefaultLockOptions()),
		updateErr: fmt.Errorf("%w: user u1", store.ErrLockTimeout),
	}
	_, router := newTestEnv(t, st, nil)
	before := testutil.ToFloat64(metrics.LockTimeouts)

	w := do(t, router, http.MethodPost, "/api/v1/calculate", "u1", map[string]string{"text": "Bob:114/50", "hit_number": "1"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LockTimeouts))
}

func TestInternalError_Hidden(t *testing.T) {
	st := &failingStore{
		Store:   store.NewMemoryStore(store.DefaultLockOptions()),
		readErr: errors.New("disk unplugged"),
	}
	_, router := newTestEnv(t, st, nil)

	w := do(t, router, http.MethodGet, "/api/v1/scores", "u1", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", errorText(t, w))
}

// --- WebSocket ---

func dialWS(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	header := http.Header{}
	header.Set(userHeader, user)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastsToOwner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := scoring.NewHub()
	go hub.Run(ctx)

	_, router := newTestEnv(t, nil, hub)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	owner := dialWS(t, srv, "u1")
	other := dialWS(t, srv, "u2")
	require.Eventually(t, func() bool {
		return hub.Clients("u1") == 1 && hub.Clients("u2") == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := do(t, router, http.MethodPost, "/api/v1/scores", "u1", map[string]any{"name": "Alice", "score": 5})
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, owner.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg scoring.Message
	require.NoError(t, owner.ReadJSON(&msg))
	assert.Equal(t, scoring.MessageScoresUpdated, msg.Type)
	assert.Equal(t, "u1", msg.UserID)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := scoring.NewHub()
	go hub.Run(ctx)

	_, router := newTestEnv(t, nil, hub)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "u1")
	require.Eventually(t, func() bool { return hub.Clients("u1") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
