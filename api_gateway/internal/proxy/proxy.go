// Package proxy forwards authorized requests to a fixed upstream.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gatewayerrors "github.com/georgiangelov2000/payments-microservices/api_gateway/internal/errors"
	"github.com/georgiangelov2000/payments-microservices/pkg/ctxkeys"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
)

const (
	HeaderAPIKey     = "X-Api-Key"
	HeaderMerchantID = "X-Merchant-Id"
)

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Proxy sends requests to one upstream base URL.
type Proxy struct {
	target *url.URL
	client *http.Client
	logger logging.Logger
}

// New builds a Proxy for target with a hard per-call timeout.
func New(target string, timeout time.Duration, logger logging.Logger) (*Proxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse upstream %q: %w", target, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", target)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 64
	return &Proxy{
		target: u,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// Redirects are the caller's business.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger: logger,
	}, nil
}

// Target returns the upstream base URL.
func (p *Proxy) Target() *url.URL { return p.target }

// Forward replays in against the upstream with body as the exact payload.
// Any response, whatever its status, is returned to the caller who must
// close it. Transport failures and timeouts yield ErrUpstreamUnreachable.
func (p *Proxy) Forward(ctx context.Context, in *http.Request, body []byte) (*http.Response, error) {
	out, err := p.outbound(ctx, in, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatewayerrors.ErrGateway, err)
	}

	resp, err := p.client.Do(out)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", gatewayerrors.ErrUpstreamUnreachable, out.Method, out.URL.Path, err)
	}
	return resp, nil
}

func (p *Proxy) outbound(ctx context.Context, in *http.Request, body []byte) (*http.Request, error) {
	u := *p.target
	u.Path = singleJoin(p.target.Path, in.URL.Path)
	u.RawPath = ""
	u.RawQuery = in.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, in.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out.ContentLength = int64(len(body))

	copyHeaders(out.Header, in.Header)
	out.Header.Del(HeaderAPIKey)
	out.Header.Del(HeaderMerchantID)
	out.Header.Del("Content-Length")
	if len(body) > 0 {
		out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if merchantID, ok := ctxkeys.GetMerchantID(ctx); ok {
		out.Header.Set(HeaderMerchantID, strconv.FormatInt(merchantID, 10))
	}
	if id := ctxkeys.GetRequestID(ctx); id != "" {
		out.Header.Set("X-Request-ID", id)
	}

	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		out.Header.Set("X-Real-IP", ip)
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			out.Header.Set("X-Forwarded-For", ip)
		}
	}
	out.Host = p.target.Host
	return out, nil
}

// WriteResponse streams resp to w, dropping hop-by-hop headers.
func WriteResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

func copyHeaders(dst, src http.Header) {
	connection := connectionTokens(src)
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if hopByHopHeaders[canonical] || connection[canonical] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// connectionTokens lists headers named by Connection, which are hop-by-hop too.
func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				tokens[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	return tokens
}

func singleJoin(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}
