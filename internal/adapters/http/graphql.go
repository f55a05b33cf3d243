package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"
)

// buildSchema creates the operator GraphQL schema wired to the stores.
func buildSchema(deps *Dependencies) (graphql.Schema, error) {
	geoPointType := graphql.NewObject(graphql.ObjectConfig{
		Name: "GeoPoint",
		Fields: graphql.Fields{
			"lat": &graphql.Field{Type: graphql.Float},
			"lon": &graphql.Field{Type: graphql.Float},
		},
	})

	shapeType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Shape",
		Fields: graphql.Fields{
			"kind":          &graphql.Field{Type: graphql.String},
			"center":        &graphql.Field{Type: geoPointType},
			"radius_meters": &graphql.Field{Type: graphql.Float},
			"vertices":      &graphql.Field{Type: graphql.NewList(geoPointType)},
		},
	})

	zoneType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Geofence",
		Fields: graphql.Fields{
			"id":               &graphql.Field{Type: graphql.String},
			"owner_id":         &graphql.Field{Type: graphql.String},
			"name":             &graphql.Field{Type: graphql.String},
			"type":             &graphql.Field{Type: graphql.String},
			"status":           &graphql.Field{Type: graphql.String},
			"shape":            &graphql.Field{Type: shapeType},
			"trigger_on_enter": &graphql.Field{Type: graphql.Boolean},
			"trigger_on_exit":  &graphql.Field{Type: graphql.Boolean},
			"trigger_on_dwell": &graphql.Field{Type: graphql.Boolean},
			"breach_policy":    &graphql.Field{Type: graphql.String},
			"priority":         &graphql.Field{Type: graphql.String},
		},
	})

	membershipType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Membership",
		Fields: graphql.Fields{
			"user_id":         &graphql.Field{Type: graphql.String},
			"geofence_id":     &graphql.Field{Type: graphql.String},
			"is_inside":       &graphql.Field{Type: graphql.Boolean},
			"since":           &graphql.Field{Type: graphql.DateTime},
			"last_event_type": &graphql.Field{Type: graphql.String},
			"last_event_at":   &graphql.Field{Type: graphql.DateTime},
			"dwell_emitted":   &graphql.Field{Type: graphql.Boolean},
			"version":         &graphql.Field{Type: graphql.Int},
		},
	})

	eventType := graphql.NewObject(graphql.ObjectConfig{
		Name: "GeofenceEvent",
		Fields: graphql.Fields{
			"id":                     &graphql.Field{Type: graphql.String},
			"geofence_id":            &graphql.Field{Type: graphql.String},
			"user_id":                &graphql.Field{Type: graphql.String},
			"event_type":             &graphql.Field{Type: graphql.String},
			"location":               &graphql.Field{Type: geoPointType},
			"distance_from_boundary": &graphql.Field{Type: graphql.Float},
			"timestamp":              &graphql.Field{Type: graphql.DateTime},
			"dedup_key":              &graphql.Field{Type: graphql.String},
			"priority":               &graphql.Field{Type: graphql.String},
			"status":                 &graphql.Field{Type: graphql.String},
			"attempts":               &graphql.Field{Type: graphql.Int},
			"last_error":             &graphql.Field{Type: graphql.String},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"memberships": &graphql.Field{
				Type:        graphql.NewList(membershipType),
				Description: "Membership state of a user across zones",
				Args: graphql.FieldConfigArgument{
					"user_id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return deps.States.ListStates(p.Context, p.Args["user_id"].(string))
				},
			},
			"activeZones": &graphql.Field{
				Type:        graphql.NewList(zoneType),
				Description: "Active zones of a user",
				Args: graphql.FieldConfigArgument{
					"user_id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return deps.Zones.ActiveZones(p.Context, p.Args["user_id"].(string))
				},
			},
			"failedDeliveries": &graphql.Field{
				Type:        graphql.NewList(eventType),
				Description: "Events whose delivery failed permanently",
				Args: graphql.FieldConfigArgument{
					"limit":  &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 50},
					"offset": &graphql.ArgumentConfig{Type: graphql.Int, DefaultValue: 0},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return deps.Deliveries.ListFailed(p.Context, p.Args["limit"].(int), p.Args["offset"].(int))
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query: queryType,
	})
}

// GraphQLHandler serves the GraphQL endpoint.
func GraphQLHandler(deps *Dependencies) fiber.Handler {
	schema, err := buildSchema(deps)
	if err != nil {
		// This would be a programming error in the schema definition
		panic("graphql schema build: " + err.Error())
	}

	type gqlRequest struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}

	return func(c *fiber.Ctx) error {
		var req gqlRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid request body")
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        c.UserContext(),
		})

		return c.JSON(result)
	}
}
