package handler

import (
	"net/http"
	"strconv"
)

// Limits for the admin listing endpoints (workers, failovers, errors,
// violations). Out-of-range or unparseable values fall back rather than 400:
// these are operator dashboards, not a public API.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit/offset query parameters, clamping to defaults.
func ParsePagination(r *http.Request) PaginationParams {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	if offset < 0 {
		offset = 0
	}

	return PaginationParams{
		Limit:  limit,
		Offset: offset,
	}
}
