package nodex

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Middleware wraps a RequestHandler with additional behaviour.
type Middleware func(RequestHandler) RequestHandler

// Chain combines multiple middlewares into a single middleware. The first
// middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final RequestHandler) RequestHandler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Router dispatches requests by method and path. Patterns may contain
// ":name" segments and a trailing "*name" wildcard.
type Router struct {
	routes      map[string]*routeNode
	middlewares []Middleware
	notFound    RequestHandler
}

type routeNode struct {
	path      string
	handler   RequestHandler
	children  map[string]*routeNode
	isParam   bool
	paramName string
	isWild    bool
}

// NewRouter creates a Router that answers unmatched requests with 404.
func NewRouter() *Router {
	return &Router{
		routes: make(map[string]*routeNode),
		notFound: func(req *ServerRequest) {
			_ = req.Response().SetStatusCode(404).EndWithString("Not Found")
		},
	}
}

// Use adds middleware applied to every routed request, including 404s.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound sets the handler for requests that match no route.
func (r *Router) NotFound(handler RequestHandler) {
	r.notFound = handler
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler RequestHandler) {
	r.addRoute("GET", path, handler)
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler RequestHandler) {
	r.addRoute("POST", path, handler)
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler RequestHandler) {
	r.addRoute("PUT", path, handler)
}

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler RequestHandler) {
	r.addRoute("DELETE", path, handler)
}

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler RequestHandler) {
	r.addRoute("PATCH", path, handler)
}

// HEAD registers a handler for HEAD requests.
func (r *Router) HEAD(path string, handler RequestHandler) {
	r.addRoute("HEAD", path, handler)
}

// OPTIONS registers a handler for OPTIONS requests.
func (r *Router) OPTIONS(path string, handler RequestHandler) {
	r.addRoute("OPTIONS", path, handler)
}

// Handle registers a handler for the specified method.
func (r *Router) Handle(method, path string, handler RequestHandler) {
	r.addRoute(method, path, handler)
}

func (r *Router) addRoute(method, path string, handler RequestHandler) {
	if path == "" || path[0] != '/' {
		panic("path must begin with '/'")
	}
	if handler == nil {
		panic(fmt.Sprintf("nil handler for %s %s", method, path))
	}

	root, ok := r.routes[method]
	if !ok {
		root = &routeNode{path: "/", children: make(map[string]*routeNode)}
		r.routes[method] = root
	}

	current := root
	for _, segment := range strings.Split(strings.Trim(path, "/"), "/") {
		if segment == "" {
			continue
		}
		isParam := strings.HasPrefix(segment, ":")
		isWild := strings.HasPrefix(segment, "*")
		key := segment
		if isParam || isWild {
			key = segment[0:1]
		}
		child, ok := current.children[key]
		if !ok {
			child = &routeNode{
				path:     segment,
				children: make(map[string]*routeNode),
				isParam:  isParam,
				isWild:   isWild,
			}
			if isParam || isWild {
				child.paramName = segment[1:]
			}
			current.children[key] = child
		}
		current = child
	}
	current.handler = handler
}

// Serve is a RequestHandler dispatching req to the matching route.
func (r *Router) Serve(req *ServerRequest) {
	handler, params := r.FindRoute(req.Method(), req.Path())
	req.params = params
	if len(r.middlewares) > 0 {
		handler = Chain(r.middlewares...)(handler)
	}
	handler(req)
}

// FindRoute returns the handler for method and path along with captured
// parameters.
func (r *Router) FindRoute(method, path string) (RequestHandler, map[string]string) {
	root, ok := r.routes[method]
	if !ok {
		return r.notFound, nil
	}
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}
	if path == "/" {
		if root.handler != nil {
			return root.handler, nil
		}
		return r.notFound, nil
	}

	trimmed := strings.Trim(path, "/")
	var params map[string]string
	current := root
	start := 0
	for i := 0; i <= len(trimmed); i++ {
		if i < len(trimmed) && trimmed[i] != '/' {
			continue
		}
		segment := trimmed[start:i]
		segStart := start
		start = i + 1
		if segment == "" {
			continue
		}
		if child, ok := current.children[segment]; ok && !child.isParam && !child.isWild {
			current = child
			continue
		}
		if child, ok := current.children[":"]; ok {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[child.paramName] = segment
			current = child
			continue
		}
		if child, ok := current.children["*"]; ok {
			if params == nil {
				params = make(map[string]string, 1)
			}
			// The wildcard takes the rest of the path.
			params[child.paramName] = trimmed[segStart:]
			current = child
			break
		}
		return r.notFound, nil
	}
	if current.handler == nil {
		return r.notFound, nil
	}
	return current.handler, params
}

// Group organizes routes under a common prefix with shared middleware.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Group creates a route group with the given prefix and middleware.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{router: r, prefix: prefix, middlewares: middlewares}
}

// Use adds middleware to the group.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, handler RequestHandler) {
	g.Handle("GET", path, handler)
}

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, handler RequestHandler) {
	g.Handle("POST", path, handler)
}

// PUT registers a handler for PUT requests in the group.
func (g *Group) PUT(path string, handler RequestHandler) {
	g.Handle("PUT", path, handler)
}

// DELETE registers a handler for DELETE requests in the group.
func (g *Group) DELETE(path string, handler RequestHandler) {
	g.Handle("DELETE", path, handler)
}

// Handle registers a handler for the specified method in the group.
func (g *Group) Handle(method, path string, handler RequestHandler) {
	if len(g.middlewares) > 0 {
		handler = Chain(g.middlewares...)(handler)
	}
	g.router.addRoute(method, g.prefix+path, handler)
}

// Group creates a nested group with combined prefix and middleware.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	combined := make([]Middleware, 0, len(g.middlewares)+len(middlewares))
	combined = append(combined, g.middlewares...)
	combined = append(combined, middlewares...)
	return &Group{router: g.router, prefix: g.prefix + prefix, middlewares: combined}
}

// Static serves files below root under prefix using SendFile.
func (r *Router) Static(prefix, root string) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	serve := func(req *ServerRequest) {
		name := strings.TrimPrefix(req.Param("filepath"), "/")
		if name == "" {
			name = "index.html"
		}
		resp := req.Response()
		if strings.Contains(name, "..") {
			_ = resp.SetStatusCode(403).EndWithString("Forbidden")
			return
		}
		if err := resp.SendFile(filepath.Join(root, filepath.FromSlash(name))); err != nil {
			_ = resp.SetStatusCode(404).EndWithString("Not Found")
		}
	}
	r.GET(prefix+"*filepath", serve)
	r.GET(prefix, serve)
}
