package http

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/pkg/geospatial"
)

// EvaluateLocationHandler accepts one location sample for a user and runs
// the transition engine on it.
func EvaluateLocationHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Params("user_id")

		var sample domain.LocationSample
		if err := c.BodyParser(&sample); err != nil {
			return errBadRequest(c, "invalid request body")
		}
		if sample.UserID != "" && sample.UserID != userID {
			return errBadRequest(c, "user_id in body does not match path")
		}
		sample.UserID = userID

		res, err := deps.Engine.Evaluate(c.UserContext(), userID, &sample)
		if err != nil {
			LoggerFromCtx(c.UserContext()).Warn("evaluate location", "user_id", userID, "error", err)
			return errFromDomain(c, err)
		}
		return c.JSON(res)
	}
}

// MembershipsHandler returns the stored membership state of a user.
func MembershipsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		states, err := deps.States.ListStates(c.UserContext(), c.Params("user_id"))
		if err != nil {
			return errFromDomain(c, err)
		}
		if states == nil {
			states = []domain.MembershipState{}
		}
		return c.JSON(fiber.Map{"data": states})
	}
}

// UserZonesHandler returns a user's active zones.
func UserZonesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		zones, err := deps.Zones.ActiveZones(c.UserContext(), c.Params("user_id"))
		if err != nil {
			return errFromDomain(c, err)
		}
		if zones == nil {
			zones = []domain.Geofence{}
		}
		return c.JSON(fiber.Map{"data": zones})
	}
}

// GetZoneHandler returns one zone.
func GetZoneHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		zone, err := deps.Zones.GetByID(c.UserContext(), c.Params("id"))
		if err != nil {
			return errFromDomain(c, err)
		}
		return c.JSON(zone)
	}
}

// PutZoneHandler creates or replaces a zone. Activating a zone is refused
// once the owner already has MaxActiveZonesPerUser active zones. Deactivating
// a zone, moving it to another owner or changing its boundary drops its
// membership rows.
func PutZoneHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var zone domain.Geofence
		if err := c.BodyParser(&zone); err != nil {
			return errBadRequest(c, "invalid request body")
		}
		zone.ID = c.Params("id")
		if zone.OwnerID == "" {
			return errBadRequest(c, "owner_id is required")
		}
		if zone.Status == "" {
			zone.Status = domain.StatusActive
		}
		if err := geospatial.ValidateShape(zone.Shape); err != nil {
			return errFromDomain(c, err)
		}

		ctx := c.UserContext()
		existing, err := deps.Zones.GetByID(ctx, zone.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return errFromDomain(c, err)
		}
		if zone.Status == domain.StatusActive {
			alreadyCounted := existing != nil && existing.Status == domain.StatusActive && existing.OwnerID == zone.OwnerID
			if !alreadyCounted {
				n, err := deps.Zones.CountActive(ctx, zone.OwnerID)
				if err != nil {
					return errFromDomain(c, err)
				}
				if n >= domain.MaxActiveZonesPerUser {
					return errConflict(c, "active zone limit reached")
				}
			}
		}

		if err := deps.Zones.Upsert(ctx, &zone); err != nil {
			return errFromDomain(c, err)
		}
		if domain.ResetsMembership(existing, &zone) {
			if err := deps.States.DeleteGeofence(ctx, zone.ID); err != nil {
				LoggerFromCtx(ctx).Error("reset zone membership", "geofence_id", zone.ID, "error", err)
				return errFromDomain(c, err)
			}
		}
		invalidateOwners(ctx, deps, existing, zone.OwnerID)
		return c.JSON(zone)
	}
}

// DeleteZoneHandler removes a zone together with its membership rows.
func DeleteZoneHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		id := c.Params("id")
		zone, err := deps.Zones.GetByID(ctx, id)
		if err != nil {
			return errFromDomain(c, err)
		}
		if err := deps.Zones.Delete(ctx, id); err != nil {
			return errFromDomain(c, err)
		}
		if err := deps.States.DeleteGeofence(ctx, id); err != nil {
			return errFromDomain(c, err)
		}
		invalidateOwners(ctx, deps, zone, "")
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// invalidateOwners drops cached zones of the previous and the current owner.
func invalidateOwners(ctx context.Context, deps *Dependencies, prev *domain.Geofence, owner string) {
	if deps.InvalidateZones == nil {
		return
	}
	owners := []string{owner}
	if prev != nil && prev.OwnerID != owner {
		owners = append(owners, prev.OwnerID)
	}
	for _, o := range owners {
		if o == "" {
			continue
		}
		if err := deps.InvalidateZones(ctx, o); err != nil {
			LoggerFromCtx(ctx).Warn("invalidate zone cache", "user_id", o, "error", err)
		}
	}
}

// UserEventsHandler pages through a user's event history, newest first.
// geofence_id and type narrow the result.
func UserEventsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		offset, limit := pageParams(c)
		filter := domain.EventFilter{
			UserID:     c.Params("user_id"),
			GeofenceID: c.Query("geofence_id"),
			Type:       domain.EventType(strings.ToUpper(c.Query("type"))),
		}
		switch filter.Type {
		case domain.EventNone, domain.EventEnter, domain.EventExit, domain.EventDwell, domain.EventBreach:
		default:
			return errBadRequest(c, "unknown event type")
		}

		events, err := deps.Events.ListEvents(c.UserContext(), filter, limit+1, offset)
		if err != nil {
			return errFromDomain(c, err)
		}
		return paginated(c, events, offset, limit)
	}
}

// FailedDeliveriesHandler pages through permanently failed events.
func FailedDeliveriesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		offset, limit := pageParams(c)
		events, err := deps.Deliveries.ListFailed(c.UserContext(), limit+1, offset)
		if err != nil {
			return errFromDomain(c, err)
		}
		return paginated(c, events, offset, limit)
	}
}

// DeliveryStatsHandler reports the outbox backlog.
func DeliveryStatsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		n, err := deps.Deliveries.CountPending(c.UserContext())
		if err != nil {
			return errFromDomain(c, err)
		}
		return c.JSON(fiber.Map{"pending": n})
	}
}
