package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"go.uber.org/zap"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

type PostalCodeStore interface {
	FindByPostalCode(ctx context.Context, postalCode string) ([]models.ProductionRecord, error)
}

type RunStore interface {
	LatestRuns(ctx context.Context, limit int) ([]models.IngestionRun, error)
}

type PostalCodeService struct {
	Codes  PostalCodeStore
	Runs   RunStore
	logger *zap.Logger
}

func NewPostalCodeService(codes PostalCodeStore, runs RunStore, logger *zap.Logger) *PostalCodeService {
	return &PostalCodeService{Codes: codes, Runs: runs, logger: logger.Named("api")}
}

// GetPostalCode serves GET /postal-codes/{code}. Both "1000001" and "100-0001" are accepted.
func (h *PostalCodeService) GetPostalCode(w http.ResponseWriter, r *http.Request) {
	code, ok := normalizePostalCode(r.PathValue("code"))
	if !ok {
		http.Error(w, "Postal code must have 7 digits, e.g. /postal-codes/1000001 or /postal-codes/100-0001", http.StatusBadRequest)
		return
	}

	records, err := h.Codes.FindByPostalCode(r.Context(), code)
	if err != nil {
		h.logger.Error("Failed to look up postal code", zap.String("postal_code", code), zap.Error(err))
		http.Error(w, "Failed to retrieve postal code information", http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		http.Error(w, "Postal code not found", http.StatusNotFound)
		return
	}

	writeJSON(w, records)
}

// GetRuns serves GET /runs?limit=N, newest run first.
func (h *PostalCodeService) GetRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid 'limit'. Use a positive integer.", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxRunLimit)
	}

	runs, err := h.Runs.LatestRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		http.Error(w, "Failed to retrieve ingestion runs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, runs)
}

func (h *PostalCodeService) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func normalizePostalCode(raw string) (string, bool) {
	code := strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
	if len(code) != 7 {
		return "", false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return code, true
}
