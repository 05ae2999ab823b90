package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easytrigger/internal/domain"
)

// errBodyTooLarge is mapped to 413.
var errBodyTooLarge = errors.New("request body too large")

// decodeJSON reads a size-limited JSON body into v. Numbers decode as
// json.Number so payload values keep their literal form.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	// Limit request body size to prevent DoS via large payloads
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("read body: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit, err = parseLimit(r)
	if err != nil {
		return 0, 0, err
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid offset: %w", err)
		}
		if offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset: %w", strconv.ErrRange)
		}
	}

	return limit, offset, nil
}

func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return DefaultLimit, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit: %w", err)
	}
	if limit < 0 {
		return 0, fmt.Errorf("invalid limit: %w", strconv.ErrRange)
	}
	if limit > MaxLimit {
		return 0, &limitExceededError{max: MaxLimit}
	}
	if limit == 0 {
		return DefaultLimit, nil
	}
	return limit, nil
}

// parseExecutionFilter reads trigger_id, contact_id, before, before_id and
// limit. before_id breaks ties between executions recorded at the same
// instant and is only meaningful together with before.
func parseExecutionFilter(r *http.Request) (domain.ExecutionFilter, error) {
	q := r.URL.Query()
	filter := domain.ExecutionFilter{
		TriggerID: q.Get("trigger_id"),
		ContactID: q.Get("contact_id"),
	}

	limit, err := parseLimit(r)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	if before := q.Get("before"); before != "" {
		t, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return filter, fmt.Errorf("invalid before: must be an RFC 3339 timestamp")
		}
		filter.Before = t.UTC()
	}
	if beforeID := q.Get("before_id"); beforeID != "" {
		if filter.Before.IsZero() {
			return filter, fmt.Errorf("invalid before_id: requires before")
		}
		id, err := uuid.Parse(beforeID)
		if err != nil {
			return filter, fmt.Errorf("invalid before_id: must be a UUID")
		}
		filter.BeforeID = id
	}
	return filter, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
