package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/servision-wang/data-processing/internal/model"
)

const maxBodyBytes = 1 << 20

type ctxKey struct{}

// --- Request types ---

// CalculateRequest is the JSON body for POST /calculate.
type CalculateRequest struct {
	Text      string `json:"text" validate:"required"`
	HitNumber string `json:"hit_number" validate:"required,oneof=1 2 3 4"`
}

// ConfigRequest is the JSON body for PUT /config.
type ConfigRequest struct {
	SpecialChars   []string              `json:"special_chars" validate:"required"`
	DeductionRules []model.DeductionRule `json:"deduction_rules" validate:"required"`
}

// ScoreRequest is the JSON body for POST /scores.
type ScoreRequest struct {
	Name  string           `json:"name" validate:"required"`
	Score *decimal.Decimal `json:"score" validate:"required"`
}

// EditRequest is the JSON body for PUT /scores/{name}.
type EditRequest struct {
	NewName string           `json:"new_name" validate:"required"`
	Score   *decimal.Decimal `json:"score" validate:"required"`
}

// Routes returns the user-scoped API. Every route requires the user
// header.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requireUser)

	r.Get("/config", s.GetConfig)
	r.Put("/config", s.PutConfig)
	r.Delete("/config", s.DeleteConfig)

	r.Post("/calculate", s.PostCalculate)

	r.Get("/scores", s.GetScores)
	r.Post("/scores", s.PostScore)
	r.Delete("/scores", s.DeleteAllScores)
	r.Get("/scores/export", s.GetExport)
	r.Put("/scores/{name}", s.PutScore)
	r.Delete("/scores/{name}", s.DeleteScoreByName)

	r.Get("/history", s.GetHistory)
	r.Post("/history/{id}/rollback", s.PostRollback)

	if s.hub != nil {
		r.Get("/ws", s.GetWS)
	}
	return r
}

// requireUser rejects requests without the user header and stores the id
// in the request context.
func (s *Service) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(s.userHeader))
		if userID == "" {
			writeError(w, "missing "+s.userHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// --- Handlers ---

// GetConfig handles GET /config.
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Config(r.Context(), userFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutConfig handles PUT /config.
func (s *Service) PutConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if err := s.decode(w, r, &req); err != nil {
		handleError(w, r, err)
		return
	}

	cfg, err := s.SaveConfig(r.Context(), userFrom(r), &model.Config{
		SpecialChars:   req.SpecialChars,
		DeductionRules: req.DeductionRules,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DeleteConfig handles DELETE /config.
func (s *Service) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.ResetConfig(r.Context(), userFrom(r)); err != nil {
		handleError(w, r, err)
		return
	}
	writeOK(w)
}

// PostCalculate handles POST /calculate.
func (s *Service) PostCalculate(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if err := s.decode(w, r, &req); err != nil {
		handleError(w, r, err)
		return
	}

	res, err := s.Calculate(r.Context(), userFrom(r), req.Text, req.HitNumber)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetScores handles GET /scores.
func (s *Service) GetScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.Scores(r.Context(), userFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

// PostScore handles POST /scores.
func (s *Service) PostScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := s.decode(w, r, &req); err != nil {
		handleError(w, r, err)
		return
	}

	if err := s.UpdateScore(r.Context(), userFrom(r), req.Name, *req.Score); err != nil {
		handleError(w, r, err)
		return
	}
	writeOK(w)
}

// DeleteAllScores handles DELETE /scores.
func (s *Service) DeleteAllScores(w http.ResponseWriter, r *http.Request) {
	if err := s.ClearScores(r.Context(), userFrom(r)); err != nil {
		handleError(w, r, err)
		return
	}
	writeOK(w)
}

// GetExport handles GET /scores/export.
func (s *Service) GetExport(w http.ResponseWriter, r *http.Request) {
	text, err := s.ExportScores(r.Context(), userFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// PutScore handles PUT /scores/{name}.
func (s *Service) PutScore(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := s.decode(w, r, &req); err != nil {
		handleError(w, r, err)
		return
	}

	err := s.EditScore(r.Context(), userFrom(r), pathParam(r, "name"), req.NewName, *req.Score)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeOK(w)
}

// DeleteScoreByName handles DELETE /scores/{name}.
func (s *Service) DeleteScoreByName(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteScore(r.Context(), userFrom(r), pathParam(r, "name")); err != nil {
		handleError(w, r, err)
		return
	}
	writeOK(w)
}

// GetHistory handles GET /history.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.History(r.Context(), userFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// PostRollback handles POST /history/{id}/rollback.
func (s *Service) PostRollback(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		handleError(w, r, fmt.Errorf("%w: version id must be an integer", ErrInvalidRequest))
		return
	}

	if err := s.Rollback(r.Context(), userFrom(r), id); err != nil {
		handleError(w, r, err)
		return
	}
	writeOK(w)
}

// GetWS handles GET /ws.
func (s *Service) GetWS(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, userFrom(r))
}

// --- helpers ---

// decode reads a JSON body into dst and runs its validate tags.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(err))
	}
	return nil
}

// describe turns validation errors into "field: reason" text without
// leaking Go struct names.
func describe(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return "malformed request"
	}

	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fe.Field()+" must be one of "+fe.Param())
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

// newValidator returns a validator that reports JSON field names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// pathParam returns a decoded, trimmed URL parameter. Labels are free text
// and may arrive percent-encoded.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath != "" {
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
	}
	return strings.TrimSpace(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
