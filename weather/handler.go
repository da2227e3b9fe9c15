package weather

import (
	"errors"
	"net/http"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/smartmirror/bind"
	"github.com/nhalm/smartmirror/wrapper"
)

// Query is the query string of GET /weather.
type Query struct {
	Location string `query:"location" validate:"required,max=100"`
}

// Handler serves GET /weather.
func Handler(c *Client) http.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request) {
		var q Query
		if !bind.Query(r, &q) {
			return
		}

		d, err := c.Lookup(r.Context(), q.Location)
		switch {
		case err == nil:
			wrapper.SetResponse(r, http.StatusOK, d)
		case errors.Is(err, ErrLocationNotFound):
			wrapper.SetError(r, wrapper.ErrNotFound.WithParam("Location not found", "location"))
		case errors.Is(err, ErrNotConfigured):
			wrapper.SetError(r, wrapper.ErrServiceUnavailable.With("Weather service is not configured"))
		default:
			if _, ok := canonlog.TryGetLogger(r.Context()); ok {
				canonlog.ErrorAdd(r.Context(), err)
			}
			wrapper.SetError(r, wrapper.ErrBadGateway.With("Weather data could not be retrieved"))
		}
	}
}
