// Package impact computes the blast radius of a classified contract change:
// the union of telemetry-observed callers and every service the map
// declares as a dependent, even ones telemetry never saw.
package impact

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/propagatehq/propagate/internal/database"
	"github.com/propagatehq/propagate/internal/servicemap"
	"github.com/propagatehq/propagate/models"
)

// Route is a parsed "METHOD /path" changed-route entry.
type Route struct {
	Method string
	Path   string
}

// ParseRoutes splits a ClassifiedChange's "METHOD path" strings into Route
// pairs, skipping any that don't split cleanly.
func ParseRoutes(changedRoutes []string) []Route {
	routes := make([]Route, 0, len(changedRoutes))
	for _, r := range changedRoutes {
		parts := strings.SplitN(r, " ", 2)
		if len(parts) != 2 {
			continue
		}
		routes = append(routes, Route{Method: parts[0], Path: parts[1]})
	}
	return routes
}

// Window is how far back the telemetry query looks for callers.
const Window = 7 * 24 * time.Hour

// Resolve queries db for telemetry callers of the given routes over the
// trailing Window ending at now, then unions in a placeholder record for
// every service the map declares as a dependent but telemetry never
// observed. Callers named "unknown" are dropped. Every declared dependent is
// guaranteed to appear at least once.
func Resolve(ctx context.Context, db database.DB, changeID int64, changedRoutes []string, smap *servicemap.Map, owner string, now time.Time) ([]models.ImpactRecord, error) {
	routes := ParseRoutes(changedRoutes)
	if len(routes) == 0 {
		return nil, nil
	}
	cutoff := now.Add(-Window).UTC().Format(time.RFC3339)

	seen := map[string]bool{} // caller service names observed in telemetry
	var records []models.ImpactRecord

	for _, r := range routes {
		counts, err := telemetryCounts(ctx, db, r, cutoff)
		if err != nil {
			return nil, fmt.Errorf("querying telemetry for %s %s: %w", r.Method, r.Path, err)
		}
		for _, c := range counts {
			if c.caller == "unknown" || c.caller == "" {
				continue
			}
			seen[c.caller] = true
			records = append(records, models.ImpactRecord{
				ChangeID:      changeID,
				CallerService: c.caller,
				Method:        r.Method,
				RouteTemplate: c.route,
				CallsLast7d:   c.count,
				Confidence:    "high",
				DeclaredOnly:  false,
			})
		}
	}

	placeholderRoute := routes[0]
	for _, dependent := range smap.DependentsOf(owner) {
		if seen[dependent] {
			continue
		}
		records = append(records, models.ImpactRecord{
			ChangeID:      changeID,
			CallerService: dependent,
			Method:        placeholderRoute.Method,
			RouteTemplate: placeholderRoute.Path,
			CallsLast7d:   0,
			Confidence:    "high",
			DeclaredOnly:  true,
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CallerService != records[j].CallerService {
			return records[i].CallerService < records[j].CallerService
		}
		return records[i].RouteTemplate < records[j].RouteTemplate
	})
	return records, nil
}

type callerCount struct {
	caller string
	route  string
	count  int64
}

func telemetryCounts(ctx context.Context, db database.DB, r Route, cutoff string) ([]callerCount, error) {
	type row struct {
		CallerService string `db:"caller_service"`
		RouteTemplate string `db:"route_template"`
		CallCount     int64  `db:"call_count"`
	}
	var rows []row
	err := db.Select(ctx, &rows, `
		SELECT caller_service, route_template, COUNT(*) AS call_count
		FROM usage_requests
		WHERE ts >= ? AND method = ? AND route_template = ? AND caller_service != 'unknown'
		GROUP BY caller_service, route_template
	`, cutoff, r.Method, r.Path)
	if err != nil {
		return nil, err
	}
	out := make([]callerCount, 0, len(rows))
	for _, rr := range rows {
		out = append(out, callerCount{caller: rr.CallerService, route: rr.RouteTemplate, count: rr.CallCount})
	}
	return out, nil
}
