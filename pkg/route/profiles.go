package route

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// DefaultProfileName is the profile applied when a request names none.
const DefaultProfileName = "default"

// Profile is a named set of permitted routes.
type Profile struct {
	Name   string  `json:"name"`
	Routes []Route `json:"routes"`
}

// Permits reports whether the profile allows the route.
func (p Profile) Permits(r Route) bool {
	for _, allowed := range p.Routes {
		if allowed == r {
			return true
		}
	}
	return false
}

// ProfileSet is the static, versioned mapping of profile name to permitted
// routes. It is loaded once at process start and never mutated afterwards.
type ProfileSet struct {
	version  string
	profiles map[string]Profile
}

// DefaultProfiles returns the compiled-in profile set.
func DefaultProfiles() *ProfileSet {
	return &ProfileSet{
		version: "builtin",
		profiles: map[string]Profile{
			DefaultProfileName: {
				Name: DefaultProfileName,
				Routes: []Route{
					RouteDirectVectorLookup,
					RouteLocalGraphSearch,
					RouteGlobalSummarySearch,
					RouteMultiHopDiscovery,
				},
			},
			"high-assurance": {
				Name: "high-assurance",
				Routes: []Route{
					RouteLocalGraphSearch,
					RouteGlobalSummarySearch,
					RouteMultiHopDiscovery,
				},
			},
			"speed-critical": {
				Name: "speed-critical",
				Routes: []Route{
					RouteDirectVectorLookup,
					RouteLocalGraphSearch,
					RouteGlobalSummarySearch,
				},
			},
		},
	}
}

// profilesFile is the on-disk override format.
type profilesFile struct {
	Version  string              `json:"version"`
	Profiles map[string][]string `json:"profiles"`
}

// LoadProfiles returns the compiled-in profiles, or the set loaded from
// path when it is non-empty. The file replaces the built-ins wholesale, so
// it must define a "default" profile, carry a version, and name only known
// routes. Load failures are fatal for the caller; a half-applied profile
// override must never serve traffic.
func LoadProfiles(path string) (*ProfileSet, error) {
	if path == "" {
		return DefaultProfiles(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var file profilesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}
	if file.Version == "" {
		return nil, fmt.Errorf("profiles file %s: missing version", path)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("profiles file %s: no profiles defined", path)
	}
	if _, ok := file.Profiles[DefaultProfileName]; !ok {
		return nil, fmt.Errorf("profiles file %s: missing %q profile", path, DefaultProfileName)
	}

	set := &ProfileSet{
		version:  file.Version,
		profiles: make(map[string]Profile, len(file.Profiles)),
	}
	for name, routeNames := range file.Profiles {
		if len(routeNames) == 0 {
			return nil, fmt.Errorf("profiles file %s: profile %q permits no routes", path, name)
		}
		routes := make([]Route, 0, len(routeNames))
		for _, rn := range routeNames {
			r, err := ParseRoute(rn)
			if err != nil {
				return nil, fmt.Errorf("profiles file %s: profile %q: %w", path, name, err)
			}
			routes = append(routes, r)
		}
		set.profiles[name] = Profile{Name: name, Routes: routes}
	}

	return set, nil
}

// Version returns the version label of the loaded mapping.
func (s *ProfileSet) Version() string {
	return s.version
}

// Get resolves a profile by name. An empty name resolves to the default
// profile.
func (s *ProfileSet) Get(name string) (Profile, bool) {
	if name == "" {
		name = DefaultProfileName
	}
	p, ok := s.profiles[name]
	return p, ok
}

// Names returns the profile names in stable order.
func (s *ProfileSet) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Routes returns a copy of the mapping for read-only exposure.
func (s *ProfileSet) Routes() map[string][]Route {
	out := make(map[string][]Route, len(s.profiles))
	for name, p := range s.profiles {
		routes := make([]Route, len(p.Routes))
		copy(routes, p.Routes)
		out[name] = routes
	}
	return out
}
