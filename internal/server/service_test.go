package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThiagoRGoveia/postal-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockPostalCodeStore struct {
	mock.Mock
}

func (m *MockPostalCodeStore) FindByPostalCode(ctx context.Context, postalCode string) ([]models.ProductionRecord, error) {
	args := m.Called(postalCode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ProductionRecord), args.Error(1)
}

type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) LatestRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.IngestionRun), args.Error(1)
}

type MockRequestRecorder struct {
	mock.Mock
}

func (m *MockRequestRecorder) RecordRequest(route string, code int) {
	m.Called(route, code)
}

func newService() (*PostalCodeService, *MockPostalCodeStore, *MockRunStore) {
	codes := new(MockPostalCodeStore)
	runs := new(MockRunStore)
	return NewPostalCodeService(codes, runs, zap.NewNop()), codes, runs
}

func serve(service *PostalCodeService, recorder RequestRecorder, target string) *httptest.ResponseRecorder {
	handler := SetupRoutes(service, nil, recorder, zap.NewNop())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestPostalCodeService_GetPostalCode(t *testing.T) {
	t.Run("should return every area for a hyphenated code", func(t *testing.T) {
		service, codes, _ := newService()
		expected := []models.ProductionRecord{
			{ID: 1, PostalCode: "1000005", Prefecture: "東京都", City: "千代田区", Town: "丸の内"},
		}
		codes.On("FindByPostalCode", "1000005").Return(expected, nil).Once()

		rr := serve(service, nil, "/postal-codes/100-0005")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var actual []models.ProductionRecord
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&actual))
		assert.Equal(t, expected, actual)
		codes.AssertExpectations(t)
	})

	t.Run("should reject malformed codes", func(t *testing.T) {
		for _, code := range []string{"12345", "12345678", "abc-defg", "100-000x"} {
			service, codes, _ := newService()

			rr := serve(service, nil, "/postal-codes/"+code)

			assert.Equal(t, http.StatusBadRequest, rr.Code, code)
			codes.AssertNotCalled(t, "FindByPostalCode", mock.Anything)
		}
	})

	t.Run("should return 404 when nothing matches", func(t *testing.T) {
		service, codes, _ := newService()
		codes.On("FindByPostalCode", "9999999").Return([]models.ProductionRecord{}, nil).Once()

		rr := serve(service, nil, "/postal-codes/9999999")

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("should return 500 when the store fails", func(t *testing.T) {
		service, codes, _ := newService()
		codes.On("FindByPostalCode", "1000001").Return(nil, errors.New("db error")).Once()

		rr := serve(service, nil, "/postal-codes/1000001")

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		codes.AssertExpectations(t)
	})
}

func TestPostalCodeService_GetRuns(t *testing.T) {
	t.Run("should use the default limit", func(t *testing.T) {
		service, _, runs := newService()
		expected := []models.IngestionRun{{
			RunID:        7,
			SourceSystem: "japanpost_utf",
			Version:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Mode:         models.ModeDifferential,
		}}
		runs.On("LatestRuns", defaultRunLimit).Return(expected, nil).Once()

		rr := serve(service, nil, "/runs")

		assert.Equal(t, http.StatusOK, rr.Code)
		var actual []models.IngestionRun
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&actual))
		require.Len(t, actual, 1)
		assert.Equal(t, int64(7), actual[0].RunID)
		runs.AssertExpectations(t)
	})

	t.Run("should cap the limit", func(t *testing.T) {
		service, _, runs := newService()
		runs.On("LatestRuns", maxRunLimit).Return([]models.IngestionRun{}, nil).Once()

		rr := serve(service, nil, "/runs?limit=5000")

		assert.Equal(t, http.StatusOK, rr.Code)
		runs.AssertExpectations(t)
	})

	t.Run("should reject an invalid limit", func(t *testing.T) {
		service, _, runs := newService()

		rr := serve(service, nil, "/runs?limit=-1")

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		runs.AssertNotCalled(t, "LatestRuns", mock.Anything)
	})

	t.Run("should return 500 when the store fails", func(t *testing.T) {
		service, _, runs := newService()
		runs.On("LatestRuns", 3).Return(nil, errors.New("db error")).Once()

		rr := serve(service, nil, "/runs?limit=3")

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestSetupRoutes(t *testing.T) {
	t.Run("should tag responses with a request id and record the route", func(t *testing.T) {
		service, _, _ := newService()
		recorder := new(MockRequestRecorder)
		recorder.On("RecordRequest", "GET /health", http.StatusOK).Once()

		rr := serve(service, recorder, "/health")

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
		assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
		recorder.AssertExpectations(t)
	})

	t.Run("should keep a caller supplied request id", func(t *testing.T) {
		service, _, _ := newService()
		handler := SetupRoutes(service, nil, nil, zap.NewNop())

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(requestIDHeader, "abc-123")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, "abc-123", rr.Header().Get(requestIDHeader))
	})

	t.Run("should count unknown paths as unmatched", func(t *testing.T) {
		service, _, _ := newService()
		recorder := new(MockRequestRecorder)
		recorder.On("RecordRequest", "unmatched", http.StatusNotFound).Once()

		rr := serve(service, recorder, "/nope")

		assert.Equal(t, http.StatusNotFound, rr.Code)
		recorder.AssertExpectations(t)
	})

	t.Run("should expose the metrics handler", func(t *testing.T) {
		service, _, _ := newService()
		metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("postal_sync_runs_total 1\n"))
		})
		handler := SetupRoutes(service, metrics, nil, zap.NewNop())

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "postal_sync_runs_total")
	})
}

func Test_normalizePostalCode(t *testing.T) {
	code, ok := normalizePostalCode(" 060-0000 ")
	assert.True(t, ok)
	assert.Equal(t, "0600000", code)

	_, ok = normalizePostalCode("")
	assert.False(t, ok)
}
