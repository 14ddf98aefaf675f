package broker

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/errors"
)

// Variables mocked for unit testing.
var (
	clock                = clockwork.NewRealClock()
	permissionRetryDelay = 2 * time.Second
	callTimeout          = 30 * time.Second
)

// Client is a channel.Channel backed by a broker daemon.
type Client struct {
	conn *grpc.ClientConn
	id   string
	root string
}

// Dial creates a client for the broker at addr. The connection is
// established lazily, so Dial doesn't check that the broker is reachable.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}
	return &Client{conn: conn, id: uuid.NewString()}, nil
}

// Connect dials the broker, checks that it speaks a compatible protocol, and
// acquires permission to use it.
func Connect(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	c, err := Dial(addr, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.Authorize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Authorize performs the handshake with the broker. If the broker hasn't
// granted this client permission yet, it's requested, and requested once more
// after a short delay if the first request is denied.
func (c *Client) Authorize(ctx context.Context) error {
	resp, err := c.invoke(ctx, handshakeMethod, &structpb.Struct{})
	if err != nil {
		return errors.WithContext(err, "handshake")
	}

	fields := resp.GetFields()
	brokerVersion := fields[versionField].GetStringValue()
	if err := checkCompatible(brokerVersion); err != nil {
		return err
	}
	c.root = fields[rootField].GetStringValue()

	if fields[grantedField].GetBoolValue() {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			log.WithField("delay", permissionRetryDelay).
				Info("Broker permission was denied. Asking again")
			select {
			case <-clock.After(permissionRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := c.invoke(ctx, permissionMethod, &structpb.Struct{})
		if err != nil {
			return errors.WithContext(err, "request permission")
		}
		if resp.GetFields()[grantedField].GetBoolValue() {
			return nil
		}
	}
	return errors.New("broker permission denied")
}

// Version returns the broker's protocol version. It doesn't require
// permission.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.invoke(ctx, handshakeMethod, &structpb.Struct{})
	if err != nil {
		return "", errors.WithContext(err, "handshake")
	}
	return resp.GetFields()[versionField].GetStringValue(), nil
}

func checkCompatible(brokerVersion string) error {
	parsed, err := version.NewVersion(brokerVersion)
	if err != nil {
		return errors.WithContext(err, "parse broker version")
	}

	constraint, err := version.NewConstraint(compatibleVersions)
	if err != nil {
		return errors.WithContext(err, "parse constraint")
	}

	if !constraint.Check(parsed) {
		return errors.New("broker version %s is incompatible, need %s",
			brokerVersion, compatibleVersions)
	}
	return nil
}

func (c *Client) Kind() channel.Kind {
	return channel.KindBroker
}

// Root returns the broker's root, as reported during the handshake.
func (c *Client) Root() string {
	return c.root
}

func (c *Client) Exists(path string) (bool, error) {
	resp, err := c.call(opExists, path)
	if err != nil {
		return false, err
	}
	return resp[existsField].GetBoolValue(), nil
}

func (c *Client) Size(path string) (int64, error) {
	resp, err := c.call(opSize, path)
	if err != nil {
		return 0, err
	}

	size, err := strconv.ParseInt(resp[sizeField].GetStringValue(), 10, 64)
	if err != nil {
		return 0, errors.WithContext(err, "parse size")
	}
	return size, nil
}

func (c *Client) MkdirAll(path string) error {
	_, err := c.call(opMkdir, path)
	return err
}

func (c *Client) Delete(path string) error {
	_, err := c.call(opDelete, path)
	return err
}

func (c *Client) Copy(src, dst string, overwrite bool) error {
	_, err := c.callFields(map[string]*structpb.Value{
		opField:        structpb.NewStringValue(opCopy),
		srcField:       structpb.NewStringValue(src),
		dstField:       structpb.NewStringValue(dst),
		overwriteField: structpb.NewBoolValue(overwrite),
	})
	return err
}

func (c *Client) List(dir string) ([]string, error) {
	resp, err := c.call(opList, dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, v := range resp[filesField].GetListValue().GetValues() {
		files = append(files, v.GetStringValue())
	}
	return files, nil
}

func (c *Client) Open(path string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(c.outgoing(context.Background()))
	stream, err := c.conn.NewStream(ctx, readStreamDesc, readMethod)
	if err != nil {
		cancel()
		return nil, errors.WithContext(err, "open stream")
	}

	if err := stream.SendMsg(wrapperspb.String(path)); err != nil {
		cancel()
		return nil, errors.WithContext(err, "send path")
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, errors.WithContext(err, "close send")
	}

	// Wait for the first chunk so that errors opening the file are returned
	// here rather than by the first Read.
	r := &chunkReader{stream: stream, cancel: cancel, path: path}
	if err := r.fill(); err != nil && err != io.EOF {
		cancel()
		return nil, err
	}
	return r, nil
}

func (c *Client) OpenWrite(path string) (io.WriteCloser, error) {
	ctx, cancel := context.WithCancel(c.outgoing(context.Background()))
	ctx = metadata.AppendToOutgoingContext(ctx, pathKey, path)
	stream, err := c.conn.NewStream(ctx, writeStreamDesc, writeMethod)
	if err != nil {
		cancel()
		return nil, errors.WithContext(err, "open stream")
	}
	return &chunkWriter{stream: stream, cancel: cancel}, nil
}

// Close closes the connection to the broker.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(op, path string) (map[string]*structpb.Value, error) {
	return c.callFields(map[string]*structpb.Value{
		opField:   structpb.NewStringValue(op),
		pathField: structpb.NewStringValue(path),
	})
}

func (c *Client) callFields(req map[string]*structpb.Value) (map[string]*structpb.Value, error) {
	resp, err := c.invoke(context.Background(), callMethod, &structpb.Struct{Fields: req})
	if err != nil {
		return nil, err
	}

	fields := resp.GetFields()
	if pbErr, ok := fields[errorField]; ok {
		return nil, errors.Unmarshal(nil, pbErr.GetStructValue())
	}
	return fields, nil
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := context.WithTimeout(c.outgoing(ctx), callTimeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, fromUnavailable(err)
	}
	return resp, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, clientKey, c.id)
}

type chunkReader struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	path   string
	buf    []byte
	err    error
}

func (r *chunkReader) fill() error {
	for len(r.buf) == 0 && r.err == nil {
		chunk := new(wrapperspb.BytesValue)
		if err := r.stream.RecvMsg(chunk); err != nil {
			r.err = fromStatus(err, r.path)
			break
		}
		r.buf = chunk.GetValue()
	}
	return r.err
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.cancel()
	return nil
}

type chunkWriter struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	closed bool
	err    error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := written + chunkSize
		if end > len(p) {
			end = len(p)
		}

		err := w.stream.SendMsg(wrapperspb.Bytes(p[written:end]))
		if err == io.EOF {
			// The server closed the stream early. The reason is in its
			// response, which Close retrieves.
			if err := w.Close(); err != nil {
				return written, err
			}
			return written, io.ErrClosedPipe
		}
		if err != nil {
			return written, errors.WithContext(err, "send")
		}
		written = end
	}
	return written, nil
}

func (w *chunkWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	defer w.cancel()

	if err := w.stream.CloseSend(); err != nil {
		w.err = errors.WithContext(err, "close send")
		return w.err
	}

	resp := new(structpb.Struct)
	err := w.stream.RecvMsg(resp)
	w.err = errors.Unmarshal(err, resp.GetFields()[errorField].GetStructValue())
	return w.err
}

func fromStatus(err error, path string) error {
	if err == io.EOF {
		return err
	}
	if status.Code(err) == codes.NotFound {
		return errors.FileNotFound{Path: path}
	}
	return fromUnavailable(err)
}

// fromUnavailable marks errors caused by the broker going away, so that the
// session selects a new channel.
func fromUnavailable(err error) error {
	if status.Code(err) == codes.Unavailable {
		return errors.WithContext(errors.ErrDisconnected, status.Convert(err).Message())
	}
	return err
}
