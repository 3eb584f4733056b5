package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"trip-tracker/internal/itinerary"
	"trip-tracker/internal/session"
)

// Sessions is the part of session.Manager the HTTP surface drives.
type Sessions interface {
	Start(ctx context.Context, tripID, userEmail string) (session.Snapshot, error)
	Stop(ctx context.Context, tripID, userEmail string) (session.Snapshot, error)
	Snapshot(tripID, userEmail string) (session.Snapshot, error)
	Active() int
}

// History reads what a traveler's sessions persisted for a trip.
type History interface {
	StepStatuses(ctx context.Context, tripID, userEmail string) ([]session.StepStatusRecord, error)
	Locations(ctx context.Context, tripID, userEmail string) ([]session.LocationRecord, error)
}

// NewApp builds the fiber app with every route registered.
func NewApp(sessions Sessions, history History, jwtSecret string) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		err := c.Next()
		log.WithFields(log.Fields{
			"method": c.Method(),
			"path":   c.Path(),
			"status": c.Response().StatusCode(),
		}).Debug("http request")
		return err
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "activeSessions": sessions.Active()})
	})

	RegisterRoutes(app.Group("/trips"), sessions, history, JWTMiddleware(jwtSecret))
	return app
}

func RegisterRoutes(r fiber.Router, sessions Sessions, history History, authMiddleware fiber.Handler) {
	r.Post("/:tripID/tracking/start", authMiddleware, func(c *fiber.Ctx) error {
		snap, err := sessions.Start(c.UserContext(), c.Params("tripID"), userEmail(c))
		switch {
		case err == nil:
			return c.Status(fiber.StatusAccepted).JSON(snap)
		case errors.Is(err, session.ErrPermissionDenied):
			return c.Status(fiber.StatusForbidden).JSON(snap)
		case errors.Is(err, session.ErrTripBusy):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		case errors.Is(err, itinerary.ErrUnknownTrip):
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		case errors.Is(err, session.ErrStopped):
			return c.Status(fiber.StatusConflict).JSON(snap)
		default:
			log.WithError(err).WithField("tripId", c.Params("tripID")).Error("start tracking")
			return c.Status(fiber.StatusBadGateway).JSON(snap)
		}
	})

	r.Post("/:tripID/tracking/stop", authMiddleware, func(c *fiber.Ctx) error {
		snap, err := sessions.Stop(c.UserContext(), c.Params("tripID"), userEmail(c))
		if err != nil {
			return sessionError(err)
		}
		return c.JSON(snap)
	})

	r.Get("/:tripID/tracking", authMiddleware, func(c *fiber.Ctx) error {
		snap, err := sessions.Snapshot(c.Params("tripID"), userEmail(c))
		if err != nil {
			return sessionError(err)
		}
		return c.JSON(snap)
	})

	r.Get("/:tripID/statuses", authMiddleware, func(c *fiber.Ctx) error {
		if history == nil {
			return fiber.NewError(fiber.StatusNotImplemented, "status history unavailable")
		}
		recs, err := history.StepStatuses(c.UserContext(), c.Params("tripID"), userEmail(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if recs == nil {
			recs = []session.StepStatusRecord{}
		}
		return c.JSON(recs)
	})

	r.Get("/:tripID/locations", authMiddleware, func(c *fiber.Ctx) error {
		if history == nil {
			return fiber.NewError(fiber.StatusNotImplemented, "location history unavailable")
		}
		recs, err := history.Locations(c.UserContext(), c.Params("tripID"), userEmail(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if recs == nil {
			recs = []session.LocationRecord{}
		}
		return c.JSON(recs)
	})
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrForbidden):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}
