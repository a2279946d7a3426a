package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/ytkey/internal/toolchain"
)

// BindingSource returns the probed toolchain of the running instance.
type BindingSource func() (toolchain.Binding, error)

type ToolchainHandler struct {
	binding BindingSource
}

func NewToolchainHandler(binding BindingSource) *ToolchainHandler {
	return &ToolchainHandler{binding: binding}
}

func (h *ToolchainHandler) Get(c *gin.Context) {
	b, err := h.binding()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, b)
}
