package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/errors"
)

// Variables mocked for unit testing.
var (
	requestTimeout = 30 * time.Second
)

// Client is a channel.Channel backed by the companion file proxy.
type Client struct {
	base string
	root string

	// http is used for metadata requests. streams has no overall timeout,
	// since file bodies may take arbitrarily long to transfer.
	http    *http.Client
	streams *http.Client
}

// Connect returns a client for the proxy at address, which is either a URL
// or a host:port pair. It fails if the proxy isn't reachable.
func Connect(ctx context.Context, address string) (*Client, error) {
	base := address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	c := &Client{
		base:    strings.TrimSuffix(base, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		streams: &http.Client{},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/root", nil)
	if err != nil {
		return nil, errors.WithContext(err, "make request")
	}

	var resp rootResponse
	if err := c.doJSON(c.http, req, &resp); err != nil {
		return nil, errors.WithContext(err, "get root")
	}
	c.root = resp.Root
	return c, nil
}

func (c *Client) Kind() channel.Kind {
	return channel.KindProxy
}

func (c *Client) Root() string {
	return c.root
}

// Stat queries whether path exists and its size.
func (c *Client) Stat(path string) (Stat, error) {
	req, err := c.newRequest(http.MethodGet, "stat", path, nil)
	if err != nil {
		return Stat{}, err
	}

	var stat Stat
	err = c.doJSON(c.http, req, &stat)
	return stat, err
}

func (c *Client) Exists(path string) (bool, error) {
	stat, err := c.Stat(path)
	return stat.Exists, err
}

func (c *Client) Size(path string) (int64, error) {
	stat, err := c.Stat(path)
	if err != nil {
		return 0, err
	}
	if !stat.Exists {
		return 0, errors.FileNotFound{Path: path}
	}
	return stat.Size, nil
}

func (c *Client) Open(path string) (io.ReadCloser, error) {
	req, err := c.newRequest(http.MethodGet, "file", path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.streams.Do(req)
	if err != nil {
		return nil, errors.WithContext(err, "request")
	}
	if err := checkResponse(resp, path); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// OpenWrite streams the written data to the proxy as the body of a single
// request. The proxy's response is returned by Close.
func (c *Client) OpenWrite(path string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	req, err := c.newRequest(http.MethodPut, "file", path, pr)
	if err != nil {
		return nil, err
	}

	w := &requestWriter{pipe: pw, done: make(chan error, 1)}
	go func() {
		defer util.HandlePanic()
		resp, err := c.streams.Do(req)
		if err != nil {
			pr.CloseWithError(err)
			w.done <- errors.WithContext(err, "request")
			return
		}
		defer resp.Body.Close()

		err = checkResponse(resp, path)
		// Unblock the writer if the proxy responded before reading the
		// whole body.
		pr.CloseWithError(errors.New("proxy closed the request"))
		w.done <- err
	}()
	return w, nil
}

func (c *Client) MkdirAll(path string) error {
	return c.do(http.MethodPost, "dir", path)
}

func (c *Client) Delete(path string) error {
	return c.do(http.MethodDelete, "file", path)
}

func (c *Client) Copy(src, dst string, overwrite bool) error {
	body, err := json.Marshal(copyRequest{Src: src, Dst: dst, Overwrite: overwrite})
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	req, err := http.NewRequest(http.MethodPost, c.base+"/copy", bytes.NewReader(body))
	if err != nil {
		return errors.WithContext(err, "make request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithContext(err, "request")
	}
	defer resp.Body.Close()
	return checkResponse(resp, src)
}

func (c *Client) List(dir string) ([]string, error) {
	req, err := c.newRequest(http.MethodGet, "list", dir, nil)
	if err != nil {
		return nil, err
	}

	var files []string
	err = c.doJSON(c.http, req, &files)
	return files, err
}

// Close releases idle connections to the proxy.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	c.streams.CloseIdleConnections()
	return nil
}

func (c *Client) newRequest(method, route, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.base+"/"+route+"/"+escapePath(path), body)
	if err != nil {
		return nil, errors.WithContext(err, "make request")
	}
	return req, nil
}

func (c *Client) do(method, route, path string) error {
	req, err := c.newRequest(method, route, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WithContext(err, "request")
	}
	defer resp.Body.Close()
	return checkResponse(resp, path)
}

func (c *Client) doJSON(client *http.Client, req *http.Request, out interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return errors.WithContext(err, "request")
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, ""); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WithContext(err, "decode response")
	}
	return nil
}

func checkResponse(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusNotFound && path != "" {
		return errors.FileNotFound{Path: path}
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &errors.TransportError{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Err: errors.New("%s: %s", http.StatusText(resp.StatusCode),
			strings.TrimSpace(string(msg))),
	}
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

type requestWriter struct {
	pipe   *io.PipeWriter
	done   chan error
	closed bool
	err    error
}

func (w *requestWriter) Write(p []byte) (int, error) {
	return w.pipe.Write(p)
}

func (w *requestWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true

	w.pipe.Close()
	w.err = <-w.done
	return w.err
}
