package server

import (
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// RouteHandler is a function that handles an HTTP request
type RouteHandler func(req *Request) (response []byte, status string)

// Router manages HTTP routes and dispatches framed requests
type Router struct {
	mu     sync.RWMutex
	routes map[string]map[string]RouteHandler
	config *Config
	log    logrus.FieldLogger
}

// NewRouter creates a new Router instance
func NewRouter() *Router {
	return NewRouterWithConfig(DefaultConfig())
}

// NewRouterWithConfig creates a router driven by config.
func NewRouterWithConfig(config *Config) *Router {
	return &Router{
		routes: make(map[string]map[string]RouteHandler),
		config: config,
		log:    logrus.StandardLogger(),
	}
}

// SetLogger replaces the logger used for request logging and panics.
func (r *Router) SetLogger(log logrus.FieldLogger) {
	r.log = log
}

// Register adds a route handler for a method and path
func (r *Router) Register(method, path string, handler RouteHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.routes[method] == nil {
		r.routes[method] = make(map[string]RouteHandler)
	}
	r.routes[method][path] = handler
}

// Dispatch decodes a framed request, routes it and reports whether the
// connection may be kept open afterwards.
func (r *Router) Dispatch(unit *RequestUnit) (response []byte, status string, keepAlive bool) {
	req, err := decodeRequest(unit)
	if err != nil {
		response, status = Serve400("Invalid request")
		return withConnectionClose(response), status, false
	}

	response, status = r.serve(req)

	if r.config.EnableLogging {
		logRequest(r.log.WithField("conn_id", unit.ID()), req.Method, req.Path, status)
	}

	keepAlive = r.config.EnableKeepAlive && req.KeepAlive()
	if !keepAlive {
		response = withConnectionClose(response)
	}
	return response, status, keepAlive
}

// serve finds the handler for req and runs it, turning panics into a 500.
func (r *Router) serve(req *Request) (response []byte, status string) {
	handler, pathParams, found := r.lookup(req.Method, req.Path)
	if !found {
		if r.config.StaticDir == "" {
			return Serve404()
		}
		if req.Method == "GET" {
			if response, status, ok := serveStatic(r.config.StaticDir, req.Path); ok {
				return response, status
			}
		}
		if response, status, ok := notFoundPage(r.config.StaticDir); ok {
			return response, status
		}
		return Serve404()
	}
	req.PathParams = pathParams

	defer func() {
		if err := recover(); err != nil {
			r.log.Errorf("PANIC recovered: %v\n%s", err, debug.Stack())
			response, status = Serve500("Internal server error occurred")
		}
	}()

	return handler(req)
}

func (r *Router) lookup(method, cleanPath string) (RouteHandler, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methodRoutes, exists := r.routes[method]
	if !exists {
		return nil, nil, false
	}

	// First try exact match (faster)
	if handler, ok := methodRoutes[cleanPath]; ok {
		return handler, make(map[string]string), true
	}

	// Try pattern matching
	for pattern, h := range methodRoutes {
		if params, matched := matchRoute(cleanPath, pattern); matched {
			return h, params, true
		}
	}
	return nil, nil, false
}
