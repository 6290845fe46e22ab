package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/promethea/promethea/internal/fault"
)

const (
	fetchMaxBody     = 256 << 10 // response bytes handed to the model
	fetchDialTimeout = 10 * time.Second
)

// HTTPFetchTool retrieves a URL and returns the response body as text.
// Only http and https schemes are accepted, and requests to private
// address ranges are refused so the model cannot probe the host's
// network.
type HTTPFetchTool struct {
	client *http.Client
}

func NewHTTPFetchTool() *HTTPFetchTool {
	dialer := &net.Dialer{Timeout: fetchDialTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if isPrivateIP(ip.IP) {
					return nil, fmt.Errorf("address %s is not routable from tools", ip.IP)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &HTTPFetchTool{client: &http.Client{Transport: transport}}
}

func (t *HTTPFetchTool) Name() string { return "http.fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetches a public HTTP or HTTPS URL and returns the response body as text."
}

func (t *HTTPFetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch."},
			"method": {"type": "string", "enum": ["GET", "HEAD"], "description": "HTTP method, GET by default."}
		},
		"required": ["url"],
		"additionalProperties": false
	}`)
}

func (t *HTTPFetchTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL    string `json:"url"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fault.Wrap(fault.KindInvalidArguments, "bad arguments", err)
	}

	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fault.Newf(fault.KindInvalidArguments, "url must be http or https")
	}
	method := http.MethodGet
	if params.Method == http.MethodHead {
		method = http.MethodHead
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), nil)
	if err != nil {
		return "", fault.Wrap(fault.KindInvalidArguments, "build request", err)
	}
	req.Header.Set("User-Agent", "promethea-tools/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindToolRuntime, "fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBody))
	if err != nil {
		return "", fault.Wrap(fault.KindToolRuntime, "read response", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %d %s\n", resp.StatusCode, resp.Header.Get("Content-Type"))
	sb.Write(body)
	if int64(len(body)) == fetchMaxBody {
		sb.WriteString("\n[truncated]")
	}
	return sb.String(), nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
