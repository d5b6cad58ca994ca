package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledger-service/internal/domain"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	headerActorType = "X-Actor-Type"
	headerActorID   = "X-Actor-ID"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	db Pinger
}

func NewServer(db Pinger) *Server {
	return &Server{db: db}
}

func (s *Server) HealthCheck(c echo.Context) error {
	if err := s.db.PingContext(c.Request().Context()); err != nil {
		log.WithField("error", err).Error("Health check failed: database is down")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database connection error",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// handleError maps domain errors onto an HTTP status and response body.
func handleError(err error) (int, map[string]string) {
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		return http.StatusNotFound, map[string]string{"error": "event not found"}
	case errors.Is(err, domain.ErrAuditNotFound):
		return http.StatusNotFound, map[string]string{"error": "draw audit not found"}
	case errors.Is(err, domain.ErrCompetitionNotFound):
		return http.StatusNotFound, map[string]string{"error": "competition not found"}
	case errors.Is(err, domain.ErrPrizeNotFound):
		return http.StatusNotFound, map[string]string{"error": "prize not found"}
	case errors.Is(err, domain.ErrInvalidEventType),
		errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrInvalidChain),
		errors.Is(err, domain.ErrInvalidSequenceSpan):
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	case errors.Is(err, domain.ErrNoEligibleEntries):
		return http.StatusUnprocessableEntity, map[string]string{"error": "no eligible entries", "code": domain.CodeNoEligibleEntries}
	case errors.Is(err, domain.ErrPrizeAlreadyDrawn):
		return http.StatusUnprocessableEntity, map[string]string{"error": "prize already drawn", "code": domain.CodePrizeAlreadyDrawn}
	case errors.Is(err, domain.ErrCompetitionCompleted):
		return http.StatusUnprocessableEntity, map[string]string{"error": "competition already completed", "code": domain.CodeCompetitionComplete}
	case errors.Is(err, domain.ErrUnresolvedPrizes):
		return http.StatusUnprocessableEntity, map[string]string{"error": "competition has unresolved prizes", "code": domain.CodeUnresolvedPrizes}
	default:
		return http.StatusInternalServerError, map[string]string{"error": "internal server error"}
	}
}

func respondError(c echo.Context, err error, msg string) error {
	status, body := handleError(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.Path()).Error(msg)
	}
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

// actorFromRequest reads the actor the auth layer attached to the request.
func actorFromRequest(c echo.Context) (domain.ActorContext, error) {
	actorType := strings.TrimSpace(c.Request().Header.Get(headerActorType))
	switch actorType {
	case "":
		actorType = domain.ActorAPIKey
	case domain.ActorSystem, domain.ActorOperator, domain.ActorUser, domain.ActorAPIKey:
	default:
		return domain.ActorContext{}, errors.New("invalid actor type")
	}

	return domain.ActorContext{
		Type:      actorType,
		ID:        strings.TrimSpace(c.Request().Header.Get(headerActorID)),
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}, nil
}

func optionalParam(c echo.Context, name string) *string {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return nil
	}
	return &v
}

func timeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func pageParams(c echo.Context) (int, int, error) {
	limit, err := intParam(c, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := intParam(c, "offset")
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}
