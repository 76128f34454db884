package web

// HandlerFunc is a route handler.
type HandlerFunc func(req *Request, res *Response)

// NextFunc advances the middleware chain. Passing a non-nil error
// activates the error-handling path.
type NextFunc func(err error)

// MiddlewareFunc processes a request before the route handler. It must
// either call next exactly once or finish the response.
type MiddlewareFunc func(req *Request, res *Response, next NextFunc)

// ErrorHandlerFunc is the 4-argument middleware variant invoked once a
// middleware reports an error.
type ErrorHandlerFunc func(err error, req *Request, res *Response, next NextFunc)
