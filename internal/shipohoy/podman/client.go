package podman

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"pkt.systems/subexec/internal/version"
)

const apiVersion = "v4.0.0"

// client wraps the Podman (Docker-compatible) HTTP API.
type client struct {
	address string
	baseURL *url.URL
	http    *http.Client
}

func newClient(address string) (*client, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, errors.New("engine address is required")
	}
	baseURL, transport, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	return &client{
		address: addr,
		baseURL: baseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   0,
		},
	}, nil
}

func (c *client) ping(ctx context.Context) error {
	res, err := c.do(ctx, http.MethodGet, "/_ping", nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return nil
}

func parseAddress(addr string) (*url.URL, *http.Transport, error) {
	if strings.HasPrefix(addr, "unix://") {
		socket := strings.TrimPrefix(addr, "unix://")
		if socket == "" {
			return nil, nil, errors.New("engine unix socket path is required")
		}
		transport := &http.Transport{
			DisableCompression: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socket)
			},
		}
		baseURL, _ := url.Parse("http://unix")
		return baseURL, transport, nil
	}
	if strings.HasPrefix(addr, "tcp://") {
		addr = "http://" + strings.TrimPrefix(addr, "tcp://")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	baseURL, err := url.Parse(addr)
	if err != nil {
		return nil, nil, err
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return baseURL, transport, nil
}

func (c *client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	var header http.Header
	if contentType != "" {
		header = http.Header{}
		header.Set("Content-Type", contentType)
	}
	return c.doWithHeader(ctx, method, endpoint, query, body, header)
}

func (c *client) doWithHeader(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, header http.Header) (*http.Response, error) {
	if c == nil || c.http == nil || c.baseURL == nil {
		return nil, errors.New("engine client not initialized")
	}
	if query == nil {
		query = url.Values{}
	}
	reqURL := *c.baseURL
	joined := path.Join("/", apiVersion, strings.TrimPrefix(endpoint, "/"))
	reqURL.Path = joined
	reqURL.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrUnavailable, err)
	}
	return res, nil
}

// readAPIError turns a non-2xx response into an error classified with errdefs.
func readAPIError(res *http.Response) error {
	if res == nil {
		return errors.New("engine API error")
	}
	body, _ := io.ReadAll(res.Body)
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Message string `json:"message"`
		Cause   string `json:"cause"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = res.Status
	}
	var class error
	switch res.StatusCode {
	case http.StatusNotModified:
		class = errdefs.ErrNotModified
	case http.StatusBadRequest:
		class = errdefs.ErrInvalidArgument
	case http.StatusUnauthorized:
		class = errdefs.ErrUnauthenticated
	case http.StatusForbidden:
		class = errdefs.ErrPermissionDenied
	case http.StatusNotFound:
		class = errdefs.ErrNotFound
	case http.StatusConflict:
		class = errdefs.ErrConflict
	case http.StatusServiceUnavailable:
		class = errdefs.ErrUnavailable
	default:
		class = errdefs.ErrUnknown
		if res.StatusCode >= 500 {
			class = errdefs.ErrInternal
		}
	}
	return fmt.Errorf("engine API error: %s: %w", msg, class)
}

// RegistryAuth holds credentials for pulling from a private registry.
type RegistryAuth struct {
	Server   string
	Username string
	Password string
}

func (a RegistryAuth) empty() bool {
	return strings.TrimSpace(a.Username) == "" && strings.TrimSpace(a.Password) == ""
}

// header encodes the credentials as an X-Registry-Auth value.
func (a RegistryAuth) header() (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username":      a.Username,
		"password":      a.Password,
		"serveraddress": a.Server,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)

	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir != "" {
		add(fmt.Sprintf("unix://%s", path.Join(runtimeDir, "podman", "podman.sock")))
	}
	userRunDir := path.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(fmt.Sprintf("unix://%s", path.Join(userRunDir, "podman", "podman.sock")))
	}
	add("unix:///run/podman/podman.sock")
	add("unix:///var/run/docker.sock")
	return out
}

func escapeImagePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	escaped := url.PathEscape(value)
	return strings.ReplaceAll(escaped, "%2F", "/")
}
