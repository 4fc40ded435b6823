package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smukkama/pellet-ingest/internal/orchestrator"
	"github.com/smukkama/pellet-ingest/internal/window"
)

const dateLayout = "2006-01-02"

type runRequest struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	Senders       []string `json:"senders"`
	Subject       string   `json:"subject"`
	Mail          *bool    `json:"mail"`
	Files         []string `json:"files"`
	ForceDownload bool     `json:"force_download"`
	ForceReimport bool     `json:"force_reimport"`
}

func (r runRequest) cycleRequest() (orchestrator.CycleRequest, error) {
	var w window.Window
	var err error
	if w.From, err = parseDate("from", r.From); err != nil {
		return orchestrator.CycleRequest{}, err
	}
	if w.To, err = parseDate("to", r.To); err != nil {
		return orchestrator.CycleRequest{}, err
	}
	return orchestrator.CycleRequest{
		Trigger:       orchestrator.TriggerManual,
		Files:         r.Files,
		Mail:          r.Mail,
		Window:        w,
		Senders:       r.Senders,
		Subject:       strings.TrimSpace(r.Subject),
		ForceDownload: r.ForceDownload,
		ForceReimport: r.ForceReimport,
	}, nil
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrInvalidRequest, field)
	}
	return t, nil
}

// RunCycle runs a manual cycle and waits for its result. The cycle is not
// cancelled when the client disconnects.
func (s *Server) RunCycle(c *gin.Context) {
	var body runRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
			return
		}
	}
	req, err := body.cycleRequest()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.orch.RunCycle(context.WithoutCancel(c.Request.Context()), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.orch.Status(c.Request.Context())})
}

func (s *Server) History(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.orch.History()})
}

func (s *Server) StartTimer(c *gin.Context) {
	if err := s.orch.StartTimer(); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.orch.Status(c.Request.Context()).Timer})
}

func (s *Server) StopTimer(c *gin.Context) {
	s.orch.StopTimer()
	c.JSON(http.StatusOK, gin.H{"data": s.orch.Status(c.Request.Context()).Timer})
}

type scheduleRequest struct {
	Schedule string `json:"schedule" binding:"required"`
}

func (s *Server) UpdateSchedule(c *gin.Context) {
	var body scheduleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, fmt.Errorf("%w: schedule is required", ErrInvalidRequest))
		return
	}
	if err := s.orch.UpdateSchedule(strings.TrimSpace(body.Schedule)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.orch.Status(c.Request.Context()).Timer})
}

func (s *Server) StartWatcher(c *gin.Context) {
	if err := s.orch.StartWatcher(); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.orch.Status(c.Request.Context()).Watcher})
}

func (s *Server) StopWatcher(c *gin.Context) {
	if err := s.orch.StopWatcher(); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.orch.Status(c.Request.Context()).Watcher})
}

func (s *Server) PurgeLedger(c *gin.Context) {
	n, err := s.orch.PurgeLedger(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"purged": n}})
}
