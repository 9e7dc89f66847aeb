package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ChuLiYu/mediaqueue/internal/cluster"
	"github.com/ChuLiYu/mediaqueue/internal/taskstore"
	"github.com/ChuLiYu/mediaqueue/pkg/types"
)

const maxBodyBytes = 1 << 20

var (
	errmap map[int][]error = map[int][]error{
		http.StatusBadRequest: {
			cluster.ErrMissingFields,
			types.ErrInvalidSource,
			taskstore.ErrMissingMetadata,
			taskstore.ErrInvalidMetadata,
			taskstore.ErrInvalidTransition,
		},
		http.StatusNotFound: {
			taskstore.ErrNotFound,
		},
		http.StatusConflict: {
			taskstore.ErrDuplicateTask,
			taskstore.ErrNotFailed,
			taskstore.ErrRetryExhausted,
			taskstore.ErrStaleTransition,
			taskstore.ErrAlreadyClaimed,
		},
		http.StatusTooManyRequests: {
			taskstore.ErrThrottled,
		},
		http.StatusServiceUnavailable: {
			taskstore.ErrStorage,
		},
	}
)

// mapError returns the http status code for an error, or
// http.StatusInternalServerError if the error is not recognised.
func mapError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for code, errs := range errmap {
		for _, e := range errs {
			if errors.Is(err, e) {
				return code
			}
		}
	}
	return http.StatusInternalServerError
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	code := mapError(err)
	if code == http.StatusInternalServerError {
		log.Error("API request failed", "error", err)
	}
	writeJSON(w, code, errorBody(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

// unmarshalJson decodes the request body, rejecting unknown fields. Numbers
// inside metadata stay json.Number so large ids keep every digit.
func unmarshalJson(r *http.Request, obj any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return fmt.Errorf("no body")
	}
	d := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	d.DisallowUnknownFields()
	d.UseNumber()
	if err := d.Decode(obj); err != nil {
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}
