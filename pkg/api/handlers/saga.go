package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/models"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

const defaultListLimit = 20

// SagaHandler serves the read-only saga endpoints.
type SagaHandler struct {
	store     saga.Store
	threshold func() time.Duration
	now       func() time.Time
	logger    logger.Logger
	validator *validator.Validate
}

// NewSagaHandler creates a saga handler. threshold reports the current
// reconcile stale threshold used by the stuck filter.
func NewSagaHandler(store saga.Store, threshold func() time.Duration, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	return &SagaHandler{
		store:     store,
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log,
		validator: validator.New(),
	}
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga store unavailable", requestID)
		return
	}

	query, err := parseListQuery(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), requestID)
		return
	}
	if err := h.validator.Struct(&query); err != nil {
		response.ValidationError(w, err, requestID)
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultListLimit
	}

	filter := saga.ListFilter{
		Status:     saga.Status(query.Status),
		Unresolved: query.Unresolved,
		Limit:      query.Limit,
		Offset:     query.Offset,
	}
	if query.Stuck {
		if query.Status != "" && saga.Status(query.Status) != saga.StatusRunning {
			response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "stuck applies to RUNNING sagas only", requestID)
			return
		}
		filter.Status = saga.StatusRunning
		filter.UpdatedBefore = h.now().Add(-h.staleThreshold())
	}

	sagas, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list sagas failed", "error", err, "request_id", requestID)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "failed to list sagas", requestID)
		return
	}

	items := make([]models.SagaSummary, 0, len(sagas))
	for _, s := range sagas {
		items = append(items, models.NewSagaSummary(s))
	}
	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  query.Limit,
		Offset: query.Offset,
	})
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	if h.store == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "saga store unavailable", requestID)
		return
	}

	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "saga id is required", requestID)
		return
	}

	instance, err := h.store.Load(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "saga not found", requestID)
			return
		}
		h.logger.ErrorContext(r.Context(), "load saga failed", "saga_id", sagaID, "error", err, "request_id", requestID)
		response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer, "failed to load saga", requestID)
		return
	}

	response.JSON(w, http.StatusOK, models.NewSagaDetail(instance))
}

func (h *SagaHandler) staleThreshold() time.Duration {
	if h.threshold != nil {
		if d := h.threshold(); d > 0 {
			return d
		}
	}
	return saga.DefaultReconcilerConfig().StaleThreshold
}

func parseListQuery(r *http.Request) (models.SagaListQuery, error) {
	values := r.URL.Query()
	query := models.SagaListQuery{Status: values.Get("status")}

	var err error
	if query.Limit, err = intParam(values.Get("limit")); err != nil {
		return query, errors.New("limit must be an integer")
	}
	if query.Offset, err = intParam(values.Get("offset")); err != nil {
		return query, errors.New("offset must be an integer")
	}
	if query.Stuck, err = boolParam(values.Get("stuck")); err != nil {
		return query, errors.New("stuck must be a boolean")
	}
	if query.Unresolved, err = boolParam(values.Get("unresolved")); err != nil {
		return query, errors.New("unresolved must be a boolean")
	}
	return query, nil
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func boolParam(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func getRequestID(ctx context.Context) string {
	return middleware.GetRequestID(ctx)
}
