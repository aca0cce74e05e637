// Package api serves the admin HTTP surface of the daemon.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/events"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Scheduler is the part of the sync manager the API drives.
type Scheduler interface {
	TriggerSync(accountID, folderID string) error
	Status(accountID string) (sync.AccountStatus, bool)
	States() []sync.AccountStatus
	QueueStatus(ctx context.Context, accountID string) (model.QueueStatus, error)
}

// Queue is the part of the offline queue the API drives.
type Queue interface {
	Enqueue(ctx context.Context, op model.Operation) (int64, error)
	DeadLetters(ctx context.Context, accountID string) ([]model.Operation, error)
	Requeue(ctx context.Context, id int64) (model.Operation, error)
}

// LocalRecorder applies a local mutation before it is queued.
type LocalRecorder interface {
	RecordLocal(ctx context.Context, op model.Operation) error
}

// Verifier authenticates admin requests.
type Verifier interface {
	PrincipalFromRequest(r *http.Request) (*auth.Principal, error)
}

// Subscriber streams published events.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Envelope, func())
}

// Server wires the admin routes.
type Server struct {
	Scheduler Scheduler
	Queue     Queue
	Local     LocalRecorder
	Verifier  Verifier
	Events    Subscriber
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.Use(s.authMiddleware())
	v1.GET("/accounts", s.listAccounts)
	v1.GET("/accounts/:id", s.getAccount)
	v1.POST("/accounts/:id/sync", s.triggerSync)
	v1.GET("/accounts/:id/queue", s.queueStatus)
	v1.GET("/accounts/:id/dead", s.deadLetters)
	v1.POST("/accounts/:id/operations", s.enqueue)
	v1.POST("/operations/:id/requeue", s.requeue)
	if s.Events != nil {
		v1.GET("/events", s.streamEvents)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Verifier == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin API has no token verifier"})
			return
		}
		p, err := s.Verifier.PrincipalFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("principal", p)
		c.Next()
	}
}

func (s *Server) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, s.Scheduler.States())
}

func (s *Server) getAccount(c *gin.Context) {
	st, ok := s.Scheduler.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) triggerSync(c *gin.Context) {
	id := c.Param("id")
	if err := s.Scheduler.TriggerSync(id, c.Query("folder")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"account_id": id, "folder": c.Query("folder")})
}

func (s *Server) queueStatus(c *gin.Context) {
	st, err := s.Scheduler.QueueStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) deadLetters(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Scheduler.Status(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	ops, err := s.Queue.DeadLetters(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]operationView, 0, len(ops))
	for _, op := range ops {
		out = append(out, viewOf(op))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) requeue(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation id"})
		return
	}
	op, err := s.Queue.Requeue(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.Scheduler.TriggerSync(op.AccountID, op.FolderID); err != nil {
		s.Logger.Warn().Err(err).Int64("op_id", id).Msg("Requeued op for an account that is not scheduled")
	}
	c.JSON(http.StatusOK, viewOf(op))
}

func (s *Server) enqueue(c *gin.Context) {
	accountID := c.Param("id")
	if _, ok := s.Scheduler.Status(accountID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := req.operation(accountID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if s.Local != nil {
		if err := s.Local.RecordLocal(ctx, op); err != nil {
			s.fail(c, err)
			return
		}
	}
	id, err := s.Queue.Enqueue(ctx, op)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.Scheduler.TriggerSync(accountID, op.FolderID); err != nil {
		s.Logger.Warn().Err(err).Int64("op_id", id).Msg("Failed to trigger sync after enqueue")
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "placeholder": op.Placeholder, "idempotency_key": op.IdempotencyKey})
}

// streamEvents relays broadcast events as server-sent events. ?account=
// narrows the stream to one account.
func (s *Server) streamEvents(c *gin.Context) {
	ch, cancel := s.Events.Subscribe(64)
	defer cancel()
	account := c.Query("account")

	c.Stream(func(_ io.Writer) bool {
		select {
		case env, ok := <-ch:
			if !ok {
				return false
			}
			if account != "" && env.AccountID != account {
				return true
			}
			c.SSEvent(env.Type, env)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownAccount), errors.Is(err, model.ErrUnknownOperation):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
