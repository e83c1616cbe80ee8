package dispatch

import "github.com/ggoodman/mcp-session-mux/mcp"

// Route is the closed set of protocol methods the dispatcher serves.
type Route int

const (
	RouteUnknown Route = iota
	RouteToolsList
	RouteToolsCall
	RoutePromptsList
	RoutePromptsGet
	RouteResourcesList
	RouteResourcesRead
	RoutePing

	routeCount
)

var routeNames = [routeCount]string{
	RouteUnknown:       "unknown",
	RouteToolsList:     string(mcp.ToolsListMethod),
	RouteToolsCall:     string(mcp.ToolsCallMethod),
	RoutePromptsList:   string(mcp.PromptsListMethod),
	RoutePromptsGet:    string(mcp.PromptsGetMethod),
	RouteResourcesList: string(mcp.ResourcesListMethod),
	RouteResourcesRead: string(mcp.ResourcesReadMethod),
	RoutePing:          string(mcp.PingMethod),
}

var routesByMethod = func() map[string]Route {
	m := make(map[string]Route, routeCount)
	for r := RouteUnknown + 1; r < routeCount; r++ {
		m[routeNames[r]] = r
	}
	return m
}()

// RouteOf maps a JSON-RPC method name to its Route. Unrecognized names map
// to RouteUnknown.
func RouteOf(method string) Route {
	if r, ok := routesByMethod[method]; ok {
		return r
	}
	return RouteUnknown
}

// String returns the method name served by the route.
func (r Route) String() string {
	if r < 0 || r >= routeCount {
		return routeNames[RouteUnknown]
	}
	return routeNames[r]
}

// Routes returns every known route, RouteUnknown excluded.
func Routes() []Route {
	out := make([]Route, 0, routeCount-1)
	for r := RouteUnknown + 1; r < routeCount; r++ {
		out = append(out, r)
	}
	return out
}
