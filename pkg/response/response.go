package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Meta carries pagination info for list endpoints.
type Meta struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// HasMore reports whether pages beyond this one exist.
func (m Meta) HasMore() bool {
	return int64(m.Page*m.Limit) < m.Total
}

type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	Meta      *Meta     `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func SendAPIResponse(c *gin.Context, code int, success bool, message string, data any) {
	resp := APIResponse{
		Success:   success,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}

	c.JSON(code, resp)
}

// SendPagedResponse is SendAPIResponse plus pagination meta.
func SendPagedResponse(c *gin.Context, code int, message string, data any, meta Meta) {
	resp := APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Meta:      &meta,
		CreatedAt: time.Now(),
	}

	c.JSON(code, resp)
}
