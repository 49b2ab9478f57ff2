package cluster

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// Prober answers whether a peer runner is fit to receive forwarded traffic.
// The router consults it before a remote send so a dying runner's shards
// fail fast instead of timing out.
type Prober interface {
	Healthy(ctx context.Context, addr domain.RunnerAddress) bool
}

// NewProber selects the probe implementation for the configured mode.
// "auto" picks the k8s prober when running inside a Kubernetes pod
// (KUBERNETES_SERVICE_HOST is set by the kubelet) and the noop one
// otherwise.
func NewProber(mode string, opsPort int) Prober {
	switch mode {
	case "k8s":
		return newHTTPProber(opsPort)
	case "noop":
		return noopProber{}
	default:
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			return newHTTPProber(opsPort)
		}
		return noopProber{}
	}
}

// noopProber trusts every peer. Useful for dev and single-runner installs.
type noopProber struct{}

func (noopProber) Healthy(context.Context, domain.RunnerAddress) bool { return true }

// httpProber hits the peer's ops listener. Every runner exposes /healthz on
// the same ops port, so the assignment row's host is enough to find it.
type httpProber struct {
	client  *http.Client
	opsPort int
}

func newHTTPProber(opsPort int) *httpProber {
	return &httpProber{
		client:  &http.Client{Timeout: 500 * time.Millisecond},
		opsPort: opsPort,
	}
}

func (p *httpProber) Healthy(ctx context.Context, addr domain.RunnerAddress) bool {
	url := fmt.Sprintf("http://%s:%d/healthz", addr.RunnerHost, p.opsPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
