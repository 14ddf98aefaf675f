package broker

import (
	"context"
	"io"
	"net"
	"strconv"
	goSync "sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/errors"

	_ "google.golang.org/grpc/encoding/gzip" // Install the gzip compressor
)

// PermissionPolicy decides whether a client may use the broker. It's called
// at most once per permission request.
type PermissionPolicy func(client string) bool

// AllowAll grants every client that asks.
func AllowAll(string) bool { return true }

// Server serves the files of a channel to broker clients. Clients must be
// granted permission before they can use any file primitive.
type Server struct {
	files  channel.Channel
	policy PermissionPolicy

	lock    goSync.Mutex
	granted map[string]struct{}
}

// NewServer returns a broker serving files.
func NewServer(files channel.Channel, policy PermissionPolicy) *Server {
	return &Server{
		files:   files,
		policy:  policy,
		granted: map[string]struct{}{},
	}
}

// Register installs the broker service on grpcServer.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// Run serves the broker on address until ctx is cancelled.
func Run(ctx context.Context, address string, s *Server) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	grpcServer := grpc.NewServer()
	s.Register(grpcServer)

	go func() {
		defer util.HandlePanic()
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	log.WithField("address", lis.Addr().String()).
		WithField("root", s.files.Root()).
		Info("Broker is ready")
	if err := grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return errors.WithContext(err, "serve")
	}
	return nil
}

func (s *Server) Handshake(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		versionField: structpb.NewStringValue(ProtocolVersion),
		rootField:    structpb.NewStringValue(s.files.Root()),
		grantedField: structpb.NewBoolValue(s.isGranted(clientID(ctx))),
	}}, nil
}

func (s *Server) RequestPermission(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	client := clientID(ctx)
	granted := s.isGranted(client)
	if !granted && client != "" {
		granted = s.policy(client)
		log.WithField("client", client).WithField("granted", granted).
			Info("Handled permission request")
		if granted {
			s.lock.Lock()
			s.granted[client] = struct{}{}
			s.lock.Unlock()
		}
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		grantedField: structpb.NewBoolValue(granted),
	}}, nil
}

func (s *Server) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.checkPermission(ctx); err != nil {
		return nil, err
	}

	fields := req.GetFields()
	op := fields[opField].GetStringValue()
	path, err := cleanPath(fields[pathField].GetStringValue())
	if err != nil {
		return nil, err
	}

	resp := map[string]*structpb.Value{}
	switch op {
	case opExists:
		var exists bool
		exists, err = s.files.Exists(path)
		resp[existsField] = structpb.NewBoolValue(exists)
	case opSize:
		var size int64
		size, err = s.files.Size(path)
		// Numbers are float64s on the wire.
		resp[sizeField] = structpb.NewStringValue(strconv.FormatInt(size, 10))
	case opMkdir:
		err = s.files.MkdirAll(path)
	case opDelete:
		err = s.files.Delete(path)
	case opCopy:
		var src, dst string
		if src, err = cleanPath(fields[srcField].GetStringValue()); err != nil {
			return nil, err
		}
		if dst, err = cleanPath(fields[dstField].GetStringValue()); err != nil {
			return nil, err
		}
		err = s.files.Copy(src, dst, fields[overwriteField].GetBoolValue())
	case opList:
		var files []string
		files, err = s.files.List(path)
		values := make([]*structpb.Value, 0, len(files))
		for _, f := range files {
			values = append(values, structpb.NewStringValue(f))
		}
		resp[filesField] = structpb.NewListValue(&structpb.ListValue{Values: values})
	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown operation %q", op)
	}

	// Errors are returned in the response rather than at the transport level
	// so that the client can distinguish missing files from broken
	// connections.
	if err != nil {
		resp[errorField] = structpb.NewStructValue(errors.Marshal(err))
	}
	return &structpb.Struct{Fields: resp}, nil
}

func (s *Server) Read(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	if err := s.checkPermission(stream.Context()); err != nil {
		return err
	}

	path, err := cleanPath(req.GetValue())
	if err != nil {
		return err
	}

	f, err := s.files.Open(path)
	if err != nil {
		return toStatus(err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(&wrapperspb.BytesValue{Value: buf[:n]}); err != nil {
				return errors.WithContext(err, "send")
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return toStatus(errors.WithContext(err, "read"))
		}
	}
}

func (s *Server) Write(stream grpc.ServerStream) error {
	if err := s.checkPermission(stream.Context()); err != nil {
		return err
	}

	// Send any error in the final message of the stream rather than at the
	// transport level.
	finish := func(err error) error {
		resp := &structpb.Struct{Fields: map[string]*structpb.Value{}}
		if err != nil {
			resp.Fields[errorField] = structpb.NewStructValue(errors.Marshal(err))
		}
		if err := stream.SendMsg(resp); err != nil {
			return errors.WithContext(err, "close stream")
		}
		return nil
	}

	md, _ := metadata.FromIncomingContext(stream.Context())
	paths := md.Get(pathKey)
	if len(paths) != 1 {
		return status.Error(codes.InvalidArgument, "exactly one path is required")
	}

	path, err := cleanPath(paths[0])
	if err != nil {
		return err
	}

	f, err := s.files.OpenWrite(path)
	if err != nil {
		return finish(errors.WithContext(err, "open"))
	}

	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return errors.WithContext(err, "read stream")
		}

		if _, err := f.Write(chunk.GetValue()); err != nil {
			f.Close()
			return finish(errors.WithContext(err, "write"))
		}
	}
	return finish(errors.WithContext(f.Close(), "close"))
}

func (s *Server) isGranted(client string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, ok := s.granted[client]
	return ok
}

func (s *Server) checkPermission(ctx context.Context) error {
	if client := clientID(ctx); client == "" || !s.isGranted(client) {
		return status.Error(codes.PermissionDenied, "permission has not been granted")
	}
	return nil
}

func clientID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if ids := md.Get(clientKey); len(ids) == 1 {
		return ids[0]
	}
	return ""
}

// cleanPath refuses paths that escape the broker's root.
func cleanPath(p string) (string, error) {
	cleaned, err := channel.Clean(p)
	if err != nil {
		return "", status.Error(codes.PermissionDenied, err.Error())
	}
	return cleaned, nil
}

func toStatus(err error) error {
	var notFound errors.FileNotFound
	if errors.As(err, &notFound) {
		return status.Error(codes.NotFound, notFound.Path)
	}
	return status.Error(codes.Unknown, err.Error())
}
