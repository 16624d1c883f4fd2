package server

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"

	"connectrpc.com/connect"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/tmplvm/compiler"
	"github.com/chazu/tmplvm/diag"
	"github.com/chazu/tmplvm/engine"
	"github.com/chazu/tmplvm/loader"
	"github.com/chazu/tmplvm/sink"
	"github.com/chazu/tmplvm/value"
	"github.com/chazu/tmplvm/vm"
)

// Service and procedure names. Requests and responses are well-known
// protobuf types, so no generated code is needed on either side.
const (
	ServiceName          = "tmplvm.v1.RenderService"
	RenderProcedure      = "/" + ServiceName + "/Render"
	CheckProcedure       = "/" + ServiceName + "/Check"
	DisassembleProcedure = "/" + ServiceName + "/Disassemble"
)

// RenderServer is the method set served over gRPC and Connect.
//
// Every request is a Struct naming the template either by "template" (a
// name resolved through the engine's loader) or by inline "text", with an
// optional "name" labelling inline text in diagnostics. Render also reads
// "data", the root object.
type RenderServer interface {
	Render(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error)
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Disassemble(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error)
}

// RenderService implements RenderServer on an engine.
type RenderService struct {
	engine *engine.Engine
	worker *Worker
}

// NewRenderService creates a RenderService. Renders run on worker.
func NewRenderService(e *engine.Engine, worker *Worker) *RenderService {
	return &RenderService{engine: e, worker: worker}
}

// Render executes a template and returns its output.
func (s *RenderService) Render(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	out, err := s.worker.Do(ctx, func(ctx context.Context) (any, error) {
		p, err := s.program(ctx, req)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		if err := s.engine.Execute(ctx, p, rootValue(req.GetFields()["data"]), &b); err != nil {
			return nil, err
		}
		return b.String(), nil
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return wrapperspb.String(out.(string)), nil
}

// Check compiles a template and reports its faults and warnings. A
// template that fails to compile is a successful Check with valid false.
func (s *RenderService) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, text, inline, err := source(req)
	if err != nil {
		return nil, err
	}
	opts := s.engine.ParserOptions()
	var log diag.Collector
	opts.Log = &log
	if !inline {
		if opts.Loader == nil {
			return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("no loader configured"))
		}
		ld := opts.Loader.Clone()
		src, err := ld.Load(name)
		if err != nil {
			return nil, rpcError(err)
		}
		name, text, opts.Loader = src.Name, src.Text, ld
	}

	var problems []any
	_, cerr := compiler.CompileString(name, text, s.engine.Registry(), opts)
	if cerr != nil {
		problems = append(problems, faultEntry(cerr, name))
	}
	for _, e := range log.Entries() {
		problems = append(problems, logEntry(e))
	}
	res, err := structpb.NewStruct(map[string]any{
		"valid":       cerr == nil,
		"diagnostics": problems,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return res, nil
}

// Disassemble compiles a template and returns its listing.
func (s *RenderService) Disassemble(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	name, _, _, err := source(req)
	if err != nil {
		return nil, err
	}
	p, err := s.program(ctx, req)
	if err != nil {
		return nil, rpcError(err)
	}
	return wrapperspb.String(p.Unit.DisassembleWithName(name)), nil
}

// program compiles the template a request names.
func (s *RenderService) program(ctx context.Context, req *structpb.Struct) (*vm.Program, error) {
	name, text, inline, err := source(req)
	if err != nil {
		return nil, err
	}
	if inline {
		return s.engine.CompileString(name, text)
	}
	return s.engine.Compile(ctx, name)
}

func source(req *structpb.Struct) (name, text string, inline bool, err error) {
	f := req.GetFields()
	if t, ok := f["text"]; ok {
		name = f["name"].GetStringValue()
		if name == "" {
			name = "<request>"
		}
		return name, t.GetStringValue(), true, nil
	}
	if name = f["template"].GetStringValue(); name == "" {
		return "", "", false, connect.NewError(connect.CodeInvalidArgument, errors.New("template or text is required"))
	}
	return name, "", false, nil
}

// rootValue converts request data. Whole numbers become Integers so that
// arithmetic on them stays integral.
func rootValue(v *structpb.Value) value.Value {
	if v == nil {
		return value.Value{}
	}
	return value.FromGo(normalize(v.AsInterface()))
}

func normalize(x any) any {
	switch t := x.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	case map[string]any:
		for k, v := range t {
			t[k] = normalize(v)
		}
	case []any:
		for i, v := range t {
			t[i] = normalize(v)
		}
	}
	return x
}

func faultEntry(err error, fallback string) map[string]any {
	entry := map[string]any{"severity": diag.Error.String(), "message": err.Error(), "source": fallback}
	if loc, ok := compiler.LocationOf(err); ok {
		src, line, col := loc.Location()
		entry["source"], entry["line"], entry["column"] = src, line, col
	}
	return entry
}

// warningPrefix matches the "source:line:col: " prefix of compiler warnings.
var warningPrefix = regexp.MustCompile(`^(.*):(\d+):(\d+): `)

func logEntry(e diag.Entry) map[string]any {
	entry := map[string]any{"severity": e.Severity.String(), "message": e.Message}
	if m := warningPrefix.FindStringSubmatch(e.Message); m != nil {
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		entry["source"], entry["line"], entry["column"] = m[1], line, col
		entry["message"] = e.Message[len(m[0]):]
	}
	return entry
}

// rpcError classifies an engine error as a Connect error. Errors that
// already carry a code pass through.
func rpcError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}
	var cf *sink.CharsetFault
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, loader.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, ErrStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.As(err, &cf):
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	if _, ok := compiler.LocationOf(err); ok {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	var f *vm.Fault
	if errors.As(err, &f) {
		switch f.Kind {
		case vm.ExecutionLimitReached, vm.StackOverflow:
			return connect.NewError(connect.CodeResourceExhausted, err)
		case vm.Internal:
			return connect.NewError(connect.CodeInternal, err)
		}
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// grpcStatus converts a Connect error to a gRPC status. The two share
// code numbering.
func grpcStatus(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return status.Error(codes.Code(ce.Code()), ce.Message())
	}
	return status.Error(codes.Unknown, err.Error())
}

// unary adapts a RenderServer method to a Connect handler function.
func unary[Req, Res any](fn func(context.Context, *Req) (*Res, error)) func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error) {
	return func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		res, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(res), nil
	}
}

// grpcMethod builds the descriptor entry for one unary method, in the
// shape protoc-gen-go-grpc generates.
func grpcMethod[Req, Res any](name string, call func(RenderServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(srv.(RenderServer), ctx, req.(*Req))
				if err != nil {
					return nil, grpcStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RenderServiceDesc describes the service for grpc.Server.RegisterService.
var RenderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RenderServer)(nil),
	Methods: []grpc.MethodDesc{
		grpcMethod("Render", RenderServer.Render),
		grpcMethod("Check", RenderServer.Check),
		grpcMethod("Disassemble", RenderServer.Disassemble),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tmplvm/v1/render.proto",
}
