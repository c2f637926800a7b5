package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
)

// ErrUnknownProfile is returned when a request names a profile the loaded
// profile set does not define. The API maps it to a 400.
var ErrUnknownProfile = errors.New("route: unknown profile")

// Route identifies one of the four retrieval strategies. The set is
// closed; every consumer switches over all four variants.
type Route string

const (
	RouteDirectVectorLookup  Route = "direct-vector-lookup"
	RouteLocalGraphSearch    Route = "local-graph-search"
	RouteGlobalSummarySearch Route = "global-summary-search"
	RouteMultiHopDiscovery   Route = "multi-hop-discovery"
)

// ParseRoute converts a route name into its Route, rejecting unknown
// names.
func ParseRoute(name string) (Route, error) {
	switch Route(name) {
	case RouteDirectVectorLookup:
		return RouteDirectVectorLookup, nil
	case RouteLocalGraphSearch:
		return RouteLocalGraphSearch, nil
	case RouteGlobalSummarySearch:
		return RouteGlobalSummarySearch, nil
	case RouteMultiHopDiscovery:
		return RouteMultiHopDiscovery, nil
	default:
		return "", fmt.Errorf("unknown route: %q", name)
	}
}

// RouteDecision is the router's output: the route to attempt first, the
// remaining fallback chain, and how the decision came about. Classified is
// the route selection favored before profile and capability constraints;
// FallbackReason is set whenever Route differs from it.
type RouteDecision struct {
	Route          Route   `json:"route"`
	Classified     Route   `json:"classified_route"`
	Fallbacks      []Route `json:"fallbacks,omitempty"`
	Profile        string  `json:"profile"`
	ProfileVersion string  `json:"profile_version"`
	FallbackReason string  `json:"fallback_reason,omitempty"`
	Intent         *Intent `json:"intent"`
}

// Router classifies queries into retrieval routes, constrained by the
// requested operating profile and the backend's capabilities.
//
// A Router should be created using NewRouter.
type Router struct {
	store    kgs.Store
	aiClient ai.GraphAIClient
	profiles *ProfileSet
}

// NewRouterParams defines the configuration parameters for creating a new
// Router. AIClient may be nil, in which case intent extraction always uses
// the lexical fallback.
type NewRouterParams struct {
	Store    kgs.Store
	AIClient ai.GraphAIClient
	Profiles *ProfileSet
}

// NewRouter creates and returns a new Router configured with the provided
// parameters.
func NewRouter(params NewRouterParams) (*Router, error) {
	if params.Store == nil {
		return nil, errors.New("route: store is required")
	}
	profiles := params.Profiles
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Router{
		store:    params.Store,
		aiClient: params.AIClient,
		profiles: profiles,
	}, nil
}

// Profiles returns the loaded profile set.
func (r *Router) Profiles() *ProfileSet {
	return r.profiles
}

// Select classifies the query and returns the route to attempt plus its
// fallback chain. Only profile-permitted routes appear in the chain, and
// direct-vector-lookup is excluded entirely when the backend has no vector
// index. An unknown profile name fails with ErrUnknownProfile.
func (r *Router) Select(ctx context.Context, query string, profileName string) (*RouteDecision, error) {
	profile, ok := r.profiles.Get(profileName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, profileName)
	}

	intent := r.extractIntent(ctx, query)
	classified := classify(intent)

	var reason string
	filter := func(candidates []Route) []Route {
		out := make([]Route, 0, len(candidates))
		for _, candidate := range candidates {
			if containsRoute(out, candidate) {
				continue
			}
			if !profile.Permits(candidate) {
				if candidate == classified && reason == "" {
					reason = fmt.Sprintf("profile %s does not permit %s", profile.Name, classified)
				}
				continue
			}
			if candidate == RouteDirectVectorLookup && !r.store.Capabilities().VectorIndex {
				if candidate == classified && reason == "" {
					reason = "vector index unavailable"
				}
				logger.Info("[Route] Vector index unavailable, skipping direct-vector-lookup")
				continue
			}
			out = append(out, candidate)
		}
		return out
	}

	permitted := filter(fallbackOrder(classified))
	if len(permitted) == 0 {
		// A restrictive custom profile can exclude the whole generality
		// chain; attempt the routes it does permit instead.
		permitted = filter(profile.Routes)
	}
	if len(permitted) == 0 {
		return nil, fmt.Errorf("profile %s permits no usable route", profile.Name)
	}

	decision := &RouteDecision{
		Route:          permitted[0],
		Classified:     classified,
		Fallbacks:      permitted[1:],
		Profile:        profile.Name,
		ProfileVersion: r.profiles.Version(),
		FallbackReason: reason,
		Intent:         intent,
	}
	if reason != "" {
		logger.Info("[Route] Classified route replaced",
			"classified", classified,
			"route", decision.Route,
			"reason", reason,
		)
	}

	return decision, nil
}

// classify maps query features to the preferred route: compound questions
// need multi-hop discovery, entity anchors favor the local graph, broad
// summarization phrasing favors the global summary, and anything else is
// a direct vector lookup.
func classify(intent *Intent) Route {
	switch {
	case len(intent.SubQuestions) >= 2:
		return RouteMultiHopDiscovery
	case len(intent.Entities) > 0:
		return RouteLocalGraphSearch
	case intent.SummaryRequest:
		return RouteGlobalSummarySearch
	default:
		return RouteDirectVectorLookup
	}
}

// fallbackOrder is the generality chain per route: direct vector lookup
// widens to the local graph and then the global summary; multi-hop
// discovery collapses onto the same tail.
func fallbackOrder(r Route) []Route {
	switch r {
	case RouteDirectVectorLookup:
		return []Route{RouteDirectVectorLookup, RouteLocalGraphSearch, RouteGlobalSummarySearch}
	case RouteMultiHopDiscovery:
		return []Route{RouteMultiHopDiscovery, RouteLocalGraphSearch, RouteGlobalSummarySearch}
	case RouteLocalGraphSearch:
		return []Route{RouteLocalGraphSearch, RouteGlobalSummarySearch}
	case RouteGlobalSummarySearch:
		return []Route{RouteGlobalSummarySearch}
	default:
		return []Route{r}
	}
}

func containsRoute(routes []Route, r Route) bool {
	for _, candidate := range routes {
		if candidate == r {
			return true
		}
	}
	return false
}
