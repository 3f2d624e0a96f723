package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/google/generative-ai-go/genai"
)

// maxImageBytes bounds screenshots downloaded for inline upload to Gemini.
const maxImageBytes = 10 << 20

var (
	ErrImageTooLarge   = errors.New("image exceeds size limit")
	ErrBlockedImageURL = errors.New("image address is not allowed")
)

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// imageFetcher downloads customer screenshots. Hosts outside trusted are
// only dialled on public addresses; the check runs on the resolved IP so
// redirects and DNS answers cannot reach internal services.
type imageFetcher struct {
	public  *http.Client
	trusted *http.Client
	hosts   map[string]bool
	limit   int64
}

func newImageFetcher(trustedHosts []string) *imageFetcher {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: publicOnly,
	}
	hosts := make(map[string]bool, len(trustedHosts))
	for _, h := range trustedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}

	return &imageFetcher{
		public: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		trusted: &http.Client{Timeout: 30 * time.Second},
		hosts:   hosts,
		limit:   maxImageBytes,
	}
}

func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublicIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedImageURL, host)
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() ||
		sharedAddressSpace.Contains(ip))
}

func (f *imageFetcher) client(u *url.URL) *http.Client {
	if f.hosts[strings.ToLower(u.Host)] || f.hosts[strings.ToLower(u.Hostname())] {
		return f.trusted
	}
	return f.public
}

func (f *imageFetcher) fetch(ctx context.Context, rawURL string) (genai.Blob, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return genai.Blob{}, fmt.Errorf("%w: %q", ErrBlockedImageURL, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return genai.Blob{}, fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := f.client(u).Do(req)
	if err != nil {
		return genai.Blob{}, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return genai.Blob{}, fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return genai.Blob{}, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.limit {
		return genai.Blob{}, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, f.limit)
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return genai.Blob{MIMEType: mime, Data: data}, nil
}
