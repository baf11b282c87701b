package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"cptesting/internal/pipeline"
	"cptesting/internal/quantum"
	"cptesting/internal/tasks"
)

const (
	serviceName       = "cptesting.v1.Calibration"
	connectionsMethod = "/" + serviceName + "/Connections"
	admitMethod       = "/" + serviceName + "/Admit"
)

// CalibrationServer answers pruning and admission queries. Requests and
// responses are google.protobuf.Struct messages.
//
// Connections request: {class, overrides: ["key=value", ...]}
// Admit request: {class, overrides, exposure: {instrument, id, detector,
// observation_type, observation_reason, header: {...}}}
type CalibrationServer interface {
	Connections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Admit(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc registers CalibrationServer on a grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CalibrationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Connections", Handler: connectionsHandler},
		{MethodName: "Admit", Handler: admitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cptesting/v1/calibration.proto",
}

func connectionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CalibrationServer).Connections(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: connectionsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CalibrationServer).Connections(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func admitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CalibrationServer).Admit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: admitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CalibrationServer).Admit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements CalibrationServer over the task registry.
type Server struct {
	log *slog.Logger
}

func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{log: logger}
}

// Register attaches the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Start listens on addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	s.Register(gs)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	s.log.Info("gRPC server starting", "addr", addr)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Connections(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	node, err := resolve(req)
	if err != nil {
		return nil, err
	}
	active := make([]any, 0, node.Connections.Len())
	details := make([]any, 0, node.Connections.Len())
	for _, c := range node.Connections.All() {
		active = append(active, c.Field)
		details = append(details, map[string]any{
			"field":         c.Field,
			"dataset_type":  c.DatasetType,
			"role":          string(c.Role),
			"storage_class": c.StorageClass,
		})
	}
	removed := []any{}
	for _, f := range node.Removed() {
		removed = append(removed, f)
	}
	return structpb.NewStruct(map[string]any{
		"class":       node.Task.Class(),
		"active":      active,
		"removed":     removed,
		"connections": details,
	})
}

func (s *Server) Admit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	node, err := resolve(req)
	if err != nil {
		return nil, err
	}
	ref := refFromStruct(req.GetFields()["exposure"].GetStructValue())
	d, err := node.Evaluate(ref)
	if err != nil {
		if errors.Is(err, quantum.ErrMissingMetadata) || errors.Is(err, quantum.ErrNoInput) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.Debug("admission evaluated", "class", node.Task.Class(), "data_id", ref.DataID.String(), "decision", d.String())
	return structpb.NewStruct(map[string]any{
		"admitted": d.Admitted(),
		"reason":   d.Reason(),
	})
}

func resolve(req *structpb.Struct) (*pipeline.TaskNode, error) {
	fields := req.GetFields()
	class := fields["class"].GetStringValue()
	if class == "" {
		return nil, status.Error(codes.InvalidArgument, "class is required")
	}
	var overrides []string
	for _, v := range fields["overrides"].GetListValue().GetValues() {
		overrides = append(overrides, v.GetStringValue())
	}
	node, err := pipeline.ResolveTask(class, overrides...)
	if errors.Is(err, tasks.ErrUnknownTask) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return node, nil
}

// refFromStruct builds the first-input ref for admission. A missing exposure
// struct yields a ref without an exposure record.
func refFromStruct(exp *structpb.Struct) quantum.DatasetRef {
	if exp == nil {
		return quantum.DatasetRef{}
	}
	f := exp.GetFields()
	rec := &quantum.ExposureRecord{
		Instrument:        f["instrument"].GetStringValue(),
		ID:                int64(f["id"].GetNumberValue()),
		ObservationType:   f["observation_type"].GetStringValue(),
		ObservationReason: f["observation_reason"].GetStringValue(),
	}
	if h := f["header"].GetStructValue(); h != nil {
		header := map[string]string{}
		for k, v := range h.GetFields() {
			header[k] = v.GetStringValue()
		}
		rec.Header = quantum.NormalizeHeader(header)
	}
	id := quantum.DataID{Instrument: rec.Instrument, Exposure: rec.ID}
	if det, ok := f["detector"]; ok {
		id = id.WithDetector(int(det.GetNumberValue()))
	}
	return quantum.DatasetRef{DataID: id, Exposure: rec}
}

// Client calls the Calibration service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Connections(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, connectionsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Admit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, admitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
