package policy

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/grantline/pkg/rbac"
)

// File is the on-disk shape of a route policy document
type File struct {
	Resources []ResourceRoutes `yaml:"resources"`
}

// ResourceRoutes lists the routes that require capabilities on one resource
type ResourceRoutes struct {
	Resource string      `yaml:"resource"`
	Routes   []RouteSpec `yaml:"routes"`
}

// RouteSpec is a single route entry as written in the policy file
type RouteSpec struct {
	Path        string   `yaml:"path"`
	Method      string   `yaml:"method"`
	GroupParam  string   `yaml:"group_param,omitempty"`
	AccessTypes []string `yaml:"access_types"`
}

// Entry is a compiled route policy entry
type Entry struct {
	Method      string
	PathPattern string
	ResourceKey string
	// GroupParam names the path variable holding the group id. Empty means
	// the route is only checked against global grants.
	GroupParam string
	// Required may be empty, in which case any identified caller passes.
	Required rbac.AccessTypeSet
}

// HasGroupParam reports whether the entry is group scoped
func (e *Entry) HasGroupParam() bool {
	return e.GroupParam != ""
}

// Match is the result of a successful lookup
type Match struct {
	Entry *Entry
	Vars  map[string]string
}

// GroupValue returns the raw path value of the entry's group parameter
func (m Match) GroupValue() (string, bool) {
	if m.Entry == nil || !m.Entry.HasGroupParam() {
		return "", false
	}
	v, ok := m.Vars[m.Entry.GroupParam]
	return v, ok
}

// Binder maps (method, path) pairs to the capability they require.
// It is built once at startup and is read-only afterwards, so it is safe
// for concurrent use.
type Binder struct {
	router  *mux.Router
	entries []*Entry
	byRoute map[*mux.Route]*Entry
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

func noop(http.ResponseWriter, *http.Request) {}

// New compiles entries into a Binder. Entries are matched in order; the
// first entry whose method and path template match wins.
func New(entries []Entry) (*Binder, error) {
	b := &Binder{
		router:  mux.NewRouter(),
		byRoute: make(map[*mux.Route]*Entry, len(entries)),
	}

	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := entries[i]
		e.Method = strings.ToUpper(strings.TrimSpace(e.Method))
		if err := validateEntry(&e); err != nil {
			return nil, fmt.Errorf("route %d (%s %s): %w", i, e.Method, e.PathPattern, err)
		}

		id := e.Method + " " + e.PathPattern
		if seen[id] {
			return nil, fmt.Errorf("duplicate route %s", id)
		}
		seen[id] = true

		route := b.router.NewRoute().Path(e.PathPattern).Methods(e.Method).HandlerFunc(noop)
		if err := route.GetError(); err != nil {
			return nil, fmt.Errorf("invalid path template %q: %w", e.PathPattern, err)
		}

		entry := e
		b.entries = append(b.entries, &entry)
		b.byRoute[route] = &entry
	}

	return b, nil
}

func validateEntry(e *Entry) error {
	if !allowedMethods[e.Method] {
		return fmt.Errorf("unsupported method %q", e.Method)
	}
	if !strings.HasPrefix(e.PathPattern, "/") {
		return fmt.Errorf("path must start with /")
	}
	if e.ResourceKey == "" {
		return fmt.Errorf("resource is required")
	}
	if e.GroupParam != "" && !pathHasVar(e.PathPattern, e.GroupParam) {
		return fmt.Errorf("group param %q is not a variable in the path", e.GroupParam)
	}
	return nil
}

func pathHasVar(pattern, name string) bool {
	re := regexp.MustCompile(`\{` + regexp.QuoteMeta(name) + `(:[^}]*)?\}`)
	return re.MatchString(pattern)
}

// Parse builds a Binder from a YAML policy document
func Parse(data []byte) (*Binder, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse route policy: %w", err)
	}
	entries, err := file.Entries()
	if err != nil {
		return nil, err
	}
	return New(entries)
}

// LoadFile reads and compiles a YAML policy file
func LoadFile(path string) (*Binder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route policy %s: %w", path, err)
	}
	return Parse(data)
}

// Entries flattens the file into compiled entries
func (f *File) Entries() ([]Entry, error) {
	var entries []Entry
	for _, res := range f.Resources {
		if res.Resource == "" {
			return nil, fmt.Errorf("resource key is required")
		}
		for _, r := range res.Routes {
			required := rbac.NewAccessTypeSet()
			for _, raw := range r.AccessTypes {
				at, err := rbac.ParseAccessType(raw)
				if err != nil {
					return nil, fmt.Errorf("resource %s route %s %s: %w", res.Resource, r.Method, r.Path, err)
				}
				required.Add(at)
			}
			entries = append(entries, Entry{
				Method:      r.Method,
				PathPattern: r.Path,
				ResourceKey: res.Resource,
				GroupParam:  r.GroupParam,
				Required:    required,
			})
		}
	}
	return entries, nil
}

// Lookup finds the entry that governs a request. The boolean is false when
// no entry matches the method and path.
func (b *Binder) Lookup(method, path string) (Match, bool) {
	req := &http.Request{
		Method: strings.ToUpper(method),
		URL:    &url.URL{Path: path},
	}

	var rm mux.RouteMatch
	if !b.router.Match(req, &rm) || rm.MatchErr != nil {
		return Match{}, false
	}

	entry, ok := b.byRoute[rm.Route]
	if !ok {
		return Match{}, false
	}
	return Match{Entry: entry, Vars: rm.Vars}, true
}

// Entries returns the compiled entries in match order
func (b *Binder) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	for i, e := range b.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of compiled entries
func (b *Binder) Len() int {
	return len(b.entries)
}
