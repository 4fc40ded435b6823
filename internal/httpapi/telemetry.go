package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type fileSummary struct {
	Filename    string     `json:"filename"`
	RecordCount int        `json:"record_count"`
	ImportedAt  *time.Time `json:"imported_at,omitempty"`
}

func (s *Server) ListFiles(c *gin.Context) {
	ctx := c.Request.Context()
	names, err := s.telemetry.DistinctFilenames(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	out := make([]fileSummary, 0, len(names))
	for _, name := range names {
		sum := fileSummary{Filename: name}
		last, err := s.telemetry.LastImport(ctx, name)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if last != nil {
			sum.RecordCount = last.RecordCount
			sum.ImportedAt = &last.ImportedAt
		}
		out = append(out, sum)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) FileRecords(c *gin.Context) {
	name := c.Param("filename")
	records, err := s.telemetry.FindByFilename(c.Request.Context(), name)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if len(records) == 0 {
		AbortWithError(c, fmt.Errorf("%w: no records for %s", ErrNotFound, name))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}
