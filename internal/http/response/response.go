package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
)

type APIError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError aborts the chain with an error envelope. Server-side failures
// can carry catalog URLs or DSNs, so their text stays in the request log and
// the operator gets the status text plus the request id to look it up.
func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message:   msg,
			Code:      code,
			RequestID: ctxutil.RequestID(c.Request.Context()),
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondAccepted is used when a run was started but not waited on.
func RespondAccepted(c *gin.Context, payload any) {
	c.JSON(http.StatusAccepted, payload)
}

// RespondRun wraps an ingestion run summary. A run the caller waited on
// answers 200; one still draining its job queue answers 202.
func RespondRun(c *gin.Context, summary any, waited bool) {
	body := gin.H{"summary": summary}
	if waited {
		RespondOK(c, body)
		return
	}
	RespondAccepted(c, body)
}

// RespondList is the shape of every operator listing: the rows under key
// plus how many were returned.
func RespondList[T any](c *gin.Context, key string, rows []T) {
	c.JSON(http.StatusOK, gin.H{key: rows, "count": len(rows)})
}
