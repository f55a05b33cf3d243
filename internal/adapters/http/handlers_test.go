package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	handler "github.com/samirrijal/safewatch/internal/adapters/http"
	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/pkg/logging"
)

// ---- Mocks ----

type mockEngine struct {
	evaluateFn func(ctx context.Context, userID string, s *domain.LocationSample) (*domain.EvaluationResult, error)
}

func (m *mockEngine) Evaluate(ctx context.Context, userID string, s *domain.LocationSample) (*domain.EvaluationResult, error) {
	if m.evaluateFn != nil {
		return m.evaluateFn(ctx, userID, s)
	}
	return &domain.EvaluationResult{UserID: userID}, nil
}

type mockZones struct {
	zones       map[string]*domain.Geofence
	upserted    []domain.Geofence
	deleted     []string
	activeErr   error
	countActive int
}

func (m *mockZones) ActiveZones(_ context.Context, userID string) ([]domain.Geofence, error) {
	if m.activeErr != nil {
		return nil, m.activeErr
	}
	var out []domain.Geofence
	for _, z := range m.zones {
		if z.OwnerID == userID && z.Status == domain.StatusActive {
			out = append(out, *z)
		}
	}
	return out, nil
}

func (m *mockZones) Upsert(_ context.Context, z *domain.Geofence) error {
	m.upserted = append(m.upserted, *z)
	return nil
}

func (m *mockZones) GetByID(_ context.Context, id string) (*domain.Geofence, error) {
	if z, ok := m.zones[id]; ok {
		return z, nil
	}
	return nil, fmt.Errorf("zone %s: %w", id, domain.ErrNotFound)
}

func (m *mockZones) CountActive(_ context.Context, _ string) (int, error) {
	return m.countActive, nil
}

func (m *mockZones) Delete(_ context.Context, id string) error {
	if _, ok := m.zones[id]; !ok {
		return fmt.Errorf("zone %s: %w", id, domain.ErrNotFound)
	}
	delete(m.zones, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type mockStates struct {
	listFn func(ctx context.Context, userID string) ([]domain.MembershipState, error)
	reset  []string
}

func (m *mockStates) GetState(context.Context, string, string) (*domain.MembershipState, error) {
	return nil, nil
}
func (m *mockStates) PutState(_ context.Context, _ *domain.MembershipState, _ int64, events []domain.GeofenceEvent) ([]domain.GeofenceEvent, error) {
	return events, nil
}
func (m *mockStates) ListStates(ctx context.Context, userID string) ([]domain.MembershipState, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}
func (m *mockStates) LastSampleAt(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}
func (m *mockStates) AdvanceCursor(context.Context, string, time.Time) error { return nil }
func (m *mockStates) DeleteGeofence(_ context.Context, geofenceID string) error {
	m.reset = append(m.reset, geofenceID)
	return nil
}

type mockEvents struct {
	events  []domain.GeofenceEvent
	filters []domain.EventFilter
}

func (m *mockEvents) ListEvents(_ context.Context, f domain.EventFilter, limit, offset int) ([]domain.GeofenceEvent, error) {
	m.filters = append(m.filters, f)
	var out []domain.GeofenceEvent
	for i := range m.events {
		if f.Matches(&m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type mockDeliveries struct {
	failed  []domain.GeofenceEvent
	pending int
}

func (m *mockDeliveries) ListDue(context.Context, time.Time, int) ([]domain.GeofenceEvent, error) {
	return nil, nil
}
func (m *mockDeliveries) MarkDelivered(context.Context, string, time.Time) error { return nil }
func (m *mockDeliveries) MarkRetry(context.Context, string, int, time.Time, string) error {
	return nil
}
func (m *mockDeliveries) MarkFailed(context.Context, string, int, string) error { return nil }
func (m *mockDeliveries) ListFailed(_ context.Context, limit, offset int) ([]domain.GeofenceEvent, error) {
	if offset >= len(m.failed) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.failed) {
		end = len(m.failed)
	}
	return m.failed[offset:end], nil
}
func (m *mockDeliveries) CountPending(context.Context) (int, error) { return m.pending, nil }

type mockProbe struct{ err error }

func (p mockProbe) Ping(context.Context) error { return p.err }

// ---- Helpers ----

func newTestDeps() *handler.Dependencies {
	return &handler.Dependencies{
		Engine:     &mockEngine{},
		Zones:      &mockZones{zones: map[string]*domain.Geofence{}},
		States:     &mockStates{},
		Deliveries: &mockDeliveries{},
		Events:     &mockEvents{},
		Logger:     logging.Discard(),
	}
}

func setupApp(deps *handler.Dependencies) *fiber.App {
	app := fiber.New()
	handler.SetupRoutes(app, deps, handler.RouterConfig{})
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// ---- Location ingest ----

func TestEvaluateLocation_OK(t *testing.T) {
	deps := newTestDeps()
	var gotUser string
	var gotSample *domain.LocationSample
	deps.Engine = &mockEngine{evaluateFn: func(_ context.Context, userID string, s *domain.LocationSample) (*domain.EvaluationResult, error) {
		gotUser, gotSample = userID, s
		return &domain.EvaluationResult{
			UserID:         userID,
			ZonesEvaluated: 1,
			Events:         []domain.GeofenceEvent{{GeofenceID: "home", Type: domain.EventEnter}},
		}, nil
	}}
	app := setupApp(deps)

	status, body := doRequest(t, app, "POST", "/v1/users/u-1/locations",
		`{"location":{"lat":40.0,"lon":-75.0},"accuracy":8,"timestamp":"2026-01-01T12:00:00Z"}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if gotUser != "u-1" || gotSample.UserID != "u-1" {
		t.Errorf("expected user u-1 to reach the engine, got %q / %q", gotUser, gotSample.UserID)
	}
	if gotSample.Accuracy == nil || *gotSample.Accuracy != 8 {
		t.Errorf("expected accuracy 8, got %v", gotSample.Accuracy)
	}

	var res domain.EvaluationResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Type != domain.EventEnter {
		t.Errorf("expected one ENTER, got %+v", res.Events)
	}
}

func TestEvaluateLocation_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid coordinate", fmt.Errorf("%w: Lat failed lte", domain.ErrInvalidCoordinate), 400, "invalid_coordinate"},
		{"invalid sample", fmt.Errorf("%w: Timestamp failed required", domain.ErrInvalidSample), 400, "bad_request"},
		{"store outage", fmt.Errorf("%w: all zones failed", domain.ErrStoreOutage), 503, "unavailable"},
		{"registry", fmt.Errorf("%w: timeout", domain.ErrRegistryUnavailable), 503, "unavailable"},
		{"unknown", errors.New("boom"), 500, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps()
			deps.Engine = &mockEngine{evaluateFn: func(context.Context, string, *domain.LocationSample) (*domain.EvaluationResult, error) {
				return nil, tt.err
			}}
			status, body := doRequest(t, setupApp(deps), "POST", "/v1/users/u-1/locations",
				`{"location":{"lat":0,"lon":0},"timestamp":"2026-01-01T12:00:00Z"}`)
			if status != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, status, body)
			}
			var apiErr handler.APIError
			if err := json.Unmarshal(body, &apiErr); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if apiErr.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, apiErr.Code)
			}
			if apiErr.RequestID == "" {
				t.Error("expected a request id in the error body")
			}
		})
	}
}

func TestEvaluateLocation_BadBody(t *testing.T) {
	app := setupApp(newTestDeps())
	status, _ := doRequest(t, app, "POST", "/v1/users/u-1/locations", `{not json`)
	if status != 400 {
		t.Errorf("expected 400, got %d", status)
	}
	status, _ = doRequest(t, app, "POST", "/v1/users/u-1/locations",
		`{"user_id":"someone-else","location":{"lat":0,"lon":0},"timestamp":"2026-01-01T12:00:00Z"}`)
	if status != 400 {
		t.Errorf("expected 400 for mismatched user, got %d", status)
	}
}

// ---- Memberships & zones ----

func TestMemberships(t *testing.T) {
	deps := newTestDeps()
	deps.States = &mockStates{listFn: func(_ context.Context, userID string) ([]domain.MembershipState, error) {
		return []domain.MembershipState{{UserID: userID, GeofenceID: "home", IsInside: true, Version: 3}}, nil
	}}
	status, body := doRequest(t, setupApp(deps), "GET", "/v1/users/u-1/memberships", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	var resp struct {
		Data []domain.MembershipState `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Data) != 1 || !resp.Data[0].IsInside || resp.Data[0].Version != 3 {
		t.Errorf("unexpected memberships %+v", resp.Data)
	}
}

func TestMemberships_EmptyIsArray(t *testing.T) {
	_, body := doRequest(t, setupApp(newTestDeps()), "GET", "/v1/users/u-1/memberships", "")
	if !strings.Contains(string(body), `"data":[]`) {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestUserZones_RegistryDown(t *testing.T) {
	deps := newTestDeps()
	deps.Zones = &mockZones{activeErr: fmt.Errorf("%w: db down", domain.ErrRegistryUnavailable)}
	status, _ := doRequest(t, setupApp(deps), "GET", "/v1/users/u-1/zones", "")
	if status != 503 {
		t.Errorf("expected 503, got %d", status)
	}
}

func TestGetZone_NotFound(t *testing.T) {
	status, _ := doRequest(t, setupApp(newTestDeps()), "GET", "/v1/zones/missing", "")
	if status != 404 {
		t.Errorf("expected 404, got %d", status)
	}
}

const circleZone = `{"owner_id":"u-1","name":"Home","type":"home_zone",
	"shape":{"kind":"circle","center":{"lat":40,"lon":-75},"radius_meters":150},
	"trigger_on_enter":true,"trigger_on_exit":true}`

func TestPutZone_CreatesAndInvalidates(t *testing.T) {
	deps := newTestDeps()
	zones := &mockZones{zones: map[string]*domain.Geofence{}}
	deps.Zones = zones
	var invalidated string
	deps.InvalidateZones = func(_ context.Context, userID string) error {
		invalidated = userID
		return nil
	}

	status, body := doRequest(t, setupApp(deps), "PUT", "/v1/zones/home", circleZone)
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if len(zones.upserted) != 1 || zones.upserted[0].ID != "home" || zones.upserted[0].Status != domain.StatusActive {
		t.Errorf("expected active zone upserted, got %+v", zones.upserted)
	}
	if invalidated != "u-1" {
		t.Errorf("expected cache invalidation for u-1, got %q", invalidated)
	}
}

func TestPutZone_ActiveLimit(t *testing.T) {
	deps := newTestDeps()
	zones := &mockZones{zones: map[string]*domain.Geofence{}, countActive: domain.MaxActiveZonesPerUser}
	deps.Zones = zones
	app := setupApp(deps)

	status, _ := doRequest(t, app, "PUT", "/v1/zones/eleventh", circleZone)
	if status != 409 {
		t.Fatalf("expected 409 at the limit, got %d", status)
	}

	// Updating a zone that is already active does not count twice.
	zones.zones["home"] = &domain.Geofence{ID: "home", OwnerID: "u-1", Status: domain.StatusActive}
	status, _ = doRequest(t, app, "PUT", "/v1/zones/home", circleZone)
	if status != 200 {
		t.Errorf("expected 200 for an update, got %d", status)
	}
}

func TestPutZone_MembershipReset(t *testing.T) {
	home := func() *domain.Geofence {
		return &domain.Geofence{
			ID:      "home",
			OwnerID: "u-1",
			Status:  domain.StatusActive,
			Shape:   domain.Shape{Kind: domain.ShapeCircle, Center: domain.GeoPoint{Lat: 40, Lon: -75}, RadiusMeters: 150},
		}
	}
	tests := []struct {
		name      string
		existing  *domain.Geofence
		body      string
		wantReset bool
	}{
		{"new zone", nil, circleZone, false},
		{"same boundary", home(), circleZone, false},
		{"paused", home(), strings.Replace(circleZone, `"name"`, `"status":"paused","name"`, 1), true},
		{"inactive", home(), strings.Replace(circleZone, `"name"`, `"status":"inactive","name"`, 1), true},
		{"radius changed", home(), strings.Replace(circleZone, `"radius_meters":150`, `"radius_meters":400`, 1), true},
		{"owner changed", home(), strings.Replace(circleZone, `"owner_id":"u-1"`, `"owner_id":"u-2"`, 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newTestDeps()
			zones := &mockZones{zones: map[string]*domain.Geofence{}}
			if tt.existing != nil {
				zones.zones["home"] = tt.existing
			}
			states := &mockStates{}
			deps.Zones, deps.States = zones, states
			var invalidated []string
			deps.InvalidateZones = func(_ context.Context, userID string) error {
				invalidated = append(invalidated, userID)
				return nil
			}

			status, body := doRequest(t, setupApp(deps), "PUT", "/v1/zones/home", tt.body)
			if status != 200 {
				t.Fatalf("expected 200, got %d: %s", status, body)
			}
			if got := len(states.reset) == 1 && states.reset[0] == "home"; got != tt.wantReset {
				t.Errorf("expected reset %v, got %v", tt.wantReset, states.reset)
			}
			if tt.name == "owner changed" && len(invalidated) != 2 {
				t.Errorf("expected both owners invalidated, got %v", invalidated)
			}
		})
	}
}

func TestDeleteZone(t *testing.T) {
	deps := newTestDeps()
	zones := &mockZones{zones: map[string]*domain.Geofence{
		"home": {ID: "home", OwnerID: "u-1", Status: domain.StatusActive},
	}}
	states := &mockStates{}
	deps.Zones, deps.States = zones, states
	var invalidated string
	deps.InvalidateZones = func(_ context.Context, userID string) error {
		invalidated = userID
		return nil
	}
	app := setupApp(deps)

	status, body := doRequest(t, app, "DELETE", "/v1/zones/home", "")
	if status != 204 {
		t.Fatalf("expected 204, got %d: %s", status, body)
	}
	if len(zones.deleted) != 1 || zones.deleted[0] != "home" {
		t.Errorf("expected home deleted, got %v", zones.deleted)
	}
	if len(states.reset) != 1 || states.reset[0] != "home" {
		t.Errorf("expected membership of home dropped, got %v", states.reset)
	}
	if invalidated != "u-1" {
		t.Errorf("expected cache invalidation for u-1, got %q", invalidated)
	}

	status, _ = doRequest(t, app, "DELETE", "/v1/zones/home", "")
	if status != 404 {
		t.Errorf("expected 404 for a deleted zone, got %d", status)
	}
}

func TestPutZone_MalformedShape(t *testing.T) {
	body := `{"owner_id":"u-1","shape":{"kind":"polygon","vertices":[{"lat":0,"lon":0},{"lat":1,"lon":1}]}}`
	status, _ := doRequest(t, setupApp(newTestDeps()), "PUT", "/v1/zones/bad", body)
	if status != 400 {
		t.Errorf("expected 400, got %d", status)
	}
}

// ---- Deliveries ----

func TestFailedDeliveries_Pagination(t *testing.T) {
	deps := newTestDeps()
	failed := make([]domain.GeofenceEvent, 5)
	for i := range failed {
		failed[i] = domain.GeofenceEvent{ID: fmt.Sprintf("ev-%d", i), Status: domain.DeliveryFailed}
	}
	deps.Deliveries = &mockDeliveries{failed: failed}
	app := setupApp(deps)

	req := httptest.NewRequest("GET", "/v1/deliveries/failed?limit=2&offset=0", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if link := resp.Header.Get("Link"); !strings.Contains(link, `rel="next"`) {
		t.Errorf("expected a next link, got %q", link)
	}

	var page handler.PaginatedResponse
	var events []domain.GeofenceEvent
	page.Data = &events
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].ID != "ev-0" {
		t.Errorf("unexpected page %+v", events)
	}

	status, body := doRequest(t, app, "GET", "/v1/deliveries/failed?limit=2&offset=4", "")
	if status != 200 || !strings.Contains(string(body), "ev-4") {
		t.Errorf("expected last page with ev-4, got %d %s", status, body)
	}
}

func TestUserEvents(t *testing.T) {
	deps := newTestDeps()
	events := &mockEvents{events: []domain.GeofenceEvent{
		{ID: "ev-3", UserID: "u-1", GeofenceID: "home", Type: domain.EventExit},
		{ID: "ev-2", UserID: "u-1", GeofenceID: "school", Type: domain.EventEnter},
		{ID: "ev-1", UserID: "u-1", GeofenceID: "home", Type: domain.EventEnter},
		{ID: "ev-0", UserID: "u-2", GeofenceID: "home", Type: domain.EventEnter},
	}}
	deps.Events = events
	app := setupApp(deps)

	decode := func(body []byte) []domain.GeofenceEvent {
		t.Helper()
		var page handler.PaginatedResponse
		var out []domain.GeofenceEvent
		page.Data = &out
		if err := json.Unmarshal(body, &page); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return out
	}

	status, body := doRequest(t, app, "GET", "/v1/users/u-1/events?limit=2", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if got := decode(body); len(got) != 2 || got[0].ID != "ev-3" || got[1].ID != "ev-2" {
		t.Errorf("expected [ev-3 ev-2], got %+v", got)
	}

	status, body = doRequest(t, app, "GET", "/v1/users/u-1/events?geofence_id=home&type=enter", "")
	if status != 200 {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}
	if got := decode(body); len(got) != 1 || got[0].ID != "ev-1" {
		t.Errorf("expected [ev-1], got %+v", got)
	}
	last := events.filters[len(events.filters)-1]
	if last.UserID != "u-1" || last.GeofenceID != "home" || last.Type != domain.EventEnter {
		t.Errorf("unexpected filter %+v", last)
	}

	status, _ = doRequest(t, app, "GET", "/v1/users/u-1/events?type=teleport", "")
	if status != 400 {
		t.Errorf("expected 400 for an unknown type, got %d", status)
	}
}

func TestDeliveryStats(t *testing.T) {
	deps := newTestDeps()
	deps.Deliveries = &mockDeliveries{pending: 7}
	_, body := doRequest(t, setupApp(deps), "GET", "/v1/deliveries/stats", "")
	if !strings.Contains(string(body), `"pending":7`) {
		t.Errorf("expected pending 7, got %s", body)
	}
}

// ---- Health ----

func TestHealth(t *testing.T) {
	status, body := doRequest(t, setupApp(newTestDeps()), "GET", "/v1/health", "")
	if status != 200 || !strings.Contains(string(body), "healthy") {
		t.Errorf("unexpected health response %d %s", status, body)
	}
}

func TestReady(t *testing.T) {
	deps := newTestDeps()
	deps.Probes = map[string]handler.Pinger{"database": mockProbe{}}
	status, _ := doRequest(t, setupApp(deps), "GET", "/v1/ready", "")
	if status != 200 {
		t.Errorf("expected 200, got %d", status)
	}

	deps.Probes["cache"] = mockProbe{err: errors.New("connection refused")}
	status, body := doRequest(t, setupApp(deps), "GET", "/v1/ready", "")
	if status != 503 {
		t.Errorf("expected 503, got %d", status)
	}
	if !strings.Contains(string(body), "connection refused") {
		t.Errorf("expected failing probe in body, got %s", body)
	}
}

// ---- GraphQL ----

func TestGraphQL_Memberships(t *testing.T) {
	deps := newTestDeps()
	deps.States = &mockStates{listFn: func(_ context.Context, userID string) ([]domain.MembershipState, error) {
		return []domain.MembershipState{{UserID: userID, GeofenceID: "school", IsInside: true}}, nil
	}}
	status, body := doRequest(t, setupApp(deps), "POST", "/graphql",
		`{"query":"{ memberships(user_id: \"u-1\") { geofence_id is_inside } }"}`)
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}

	var resp struct {
		Data struct {
			Memberships []struct {
				GeofenceID string `json:"geofence_id"`
				IsInside   bool   `json:"is_inside"`
			} `json:"memberships"`
		} `json:"data"`
		Errors []any `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Errors) != 0 {
		t.Fatalf("unexpected graphql errors %v", resp.Errors)
	}
	if len(resp.Data.Memberships) != 1 || resp.Data.Memberships[0].GeofenceID != "school" {
		t.Errorf("unexpected memberships %+v", resp.Data.Memberships)
	}
}

func TestGraphQL_FailedDeliveries(t *testing.T) {
	deps := newTestDeps()
	deps.Deliveries = &mockDeliveries{failed: []domain.GeofenceEvent{{ID: "ev-1", Attempts: 8, LastError: "rejected"}}}
	_, body := doRequest(t, setupApp(deps), "POST", "/graphql",
		`{"query":"{ failedDeliveries(limit: 10) { id attempts last_error } }"}`)
	if !strings.Contains(string(body), `"attempts":8`) || !strings.Contains(string(body), "rejected") {
		t.Errorf("unexpected graphql response %s", body)
	}
}
