package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
)

// RespondErr maps service errors onto status codes. A typed apierr.Error
// keeps its own code; sentinel errors get a generic one.
func RespondErr(c *gin.Context, err error) {
	status := apierr.StatusFor(err)
	code := "internal_error"
	var ae *apierr.Error
	switch {
	case errors.As(err, &ae) && ae.Code != "":
		code = ae.Code
	case status == http.StatusBadRequest:
		code = "invalid_argument"
	case status == http.StatusNotFound:
		code = "not_found"
	case status == http.StatusConflict:
		code = "conflict"
	}
	_ = c.Error(err)
	RespondError(c, status, code, err)
}
