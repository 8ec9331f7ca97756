package queue

import (
	"github.com/carinho/integracoes/internal/config"
	"github.com/carinho/integracoes/internal/models"
)

// Route assigns a tier to event types matching Pattern ("whatsapp.*").
type Route struct {
	Pattern  string
	Priority Priority
}

// Router picks the tier for an event type. The first matching route wins.
type Router struct {
	routes []Route
}

func NewRouter(routes []Route) *Router {
	return &Router{routes: routes}
}

// RouterFromConfig builds a router from the configured routes. Exact
// patterns are evaluated first, then wildcards; ties keep config order.
func RouterFromConfig(routes []config.RouteConfig) *Router {
	var exact, wild []Route
	for _, rc := range routes {
		r := Route{Pattern: rc.Pattern, Priority: ParsePriority(rc.Priority)}
		if r.Pattern == "*" || (len(r.Pattern) > 2 && r.Pattern[len(r.Pattern)-2:] == ".*") {
			wild = append(wild, r)
		} else {
			exact = append(exact, r)
		}
	}
	// longest wildcard first so "whatsapp.inbound.*" beats "whatsapp.*"
	for i := 1; i < len(wild); i++ {
		for j := i; j > 0 && len(wild[j].Pattern) > len(wild[j-1].Pattern); j-- {
			wild[j], wild[j-1] = wild[j-1], wild[j]
		}
	}
	return NewRouter(append(exact, wild...))
}

func (r *Router) For(eventType string) Priority {
	for _, route := range r.routes {
		if models.MatchEventType(route.Pattern, eventType) {
			return route.Priority
		}
	}
	return Default
}
