package api

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed ui/dist
var uiFS embed.FS

var uiContent fs.FS

func init() {
	var err error
	uiContent, err = fs.Sub(uiFS, "ui/dist")
	if err != nil {
		panic(fmt.Errorf("prepare ui filesystem: %w", err))
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	data, err := fs.ReadFile(uiContent, "index.html")
	if err != nil {
		s.writeStatus(c, http.StatusInternalServerError, fmt.Errorf("load ui index: %w", err))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}
