// Package server exposes an engine over the network: a render service
// reachable through Connect (HTTP/JSON and HTTP/protobuf) and gRPC, and a
// language server that reports template faults to editors.
package server

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"

	"github.com/chazu/tmplvm/engine"
)

// Server serves templates from one engine.
type Server struct {
	engine *engine.Engine
	worker *Worker
	render *RenderService
	mux    *http.ServeMux
	grpc   *grpc.Server
	log    commonlog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	workers int
	timeout time.Duration
}

// WithWorkers bounds the number of renders running at once. The default
// is GOMAXPROCS.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// WithTimeout sets a deadline for every request. Zero means none.
func WithTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) { c.timeout = d }
}

// New creates a Server rendering through e.
func New(e *engine.Engine, opts ...ServerOption) *Server {
	cfg := &serverConfig{workers: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewWorker(cfg.workers)
	s := &Server{
		engine: e,
		worker: worker,
		render: NewRenderService(e, worker),
		mux:    http.NewServeMux(),
		log:    commonlog.GetLogger("tmplvm.server"),
	}

	handlerOpts := connect.WithInterceptors(s.logging(cfg.timeout))
	s.mux.Handle(RenderProcedure, connect.NewUnaryHandler(RenderProcedure, unary(s.render.Render), handlerOpts))
	s.mux.Handle(CheckProcedure, connect.NewUnaryHandler(CheckProcedure, unary(s.render.Check), handlerOpts))
	s.mux.Handle(DisassembleProcedure, connect.NewUnaryHandler(DisassembleProcedure, unary(s.render.Disassemble), handlerOpts))

	var grpcOpts []grpc.ServerOption
	if cfg.timeout > 0 {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(deadline(cfg.timeout)))
	}
	s.grpc = grpc.NewServer(grpcOpts...)
	s.grpc.RegisterService(&RenderServiceDesc, s.render)

	return s
}

// logging applies the request timeout and logs each call.
func (s *Server) logging(timeout time.Duration) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			start := time.Now()
			res, err := next(ctx, req)
			if err != nil {
				s.log.Infof("%s failed after %s: %v", req.Spec().Procedure, time.Since(start), err)
			} else {
				s.log.Debugf("%s took %s", req.Spec().Procedure, time.Since(start))
			}
			return res, err
		}
	}
}

func deadline(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}

// Handler returns the Connect HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// GRPC returns the gRPC server with the render service registered.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// RenderService returns the service behind both transports.
func (s *Server) RenderService() *RenderService { return s.render }

// ListenAndServe serves Connect on addr.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	s.log.Noticef("tmplvm render server listening on %s", addr)
	s.log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, RenderProcedure)
	return http.ListenAndServe(addr, s.mux)
}

// ServeGRPC serves gRPC on lis until Stop.
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.log.Noticef("  gRPC (binary):       grpc://%s", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop shuts down the server.
func (s *Server) Stop() {
	s.grpc.Stop()
	s.worker.Stop()
}
