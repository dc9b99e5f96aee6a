package http

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// pathParam returns the decoded value of a chi URL parameter. chi matches
// on the escaped path, so ids like "a%2Fb" arrive still escaped.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	value, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return value
}
