package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/theoryrun/theorycore/pkg/types"
)

// PlatformResolver maps a derived serverless app name to the web URL
// that app is currently reachable at. No example repo in the corpus
// ships a serverless-platform SDK, so this is a narrow interface a real
// platform client can implement; HTTPPlatformResolver is a stdlib-HTTP
// default against a discovery endpoint (DESIGN.md).
type PlatformResolver interface {
	ResolveWebURL(ctx context.Context, appName string) (string, error)
}

// HTTPPlatformResolver resolves an app name to a web URL by GETting
// "<DiscoveryBaseURL>/<appName>" and reading {"url": "..."} from the
// JSON body.
type HTTPPlatformResolver struct {
	DiscoveryBaseURL string
	Client           *http.Client
}

func (r *HTTPPlatformResolver) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// ResolveWebURL implements PlatformResolver.
func (r *HTTPPlatformResolver) ResolveWebURL(ctx context.Context, appName string) (string, error) {
	target := strings.TrimSuffix(r.DiscoveryBaseURL, "/") + "/" + appName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("remote adapter: build discovery request: %w", err)
	}
	resp, err := r.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("remote adapter: discovery request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote adapter: discovery for %s: status %d", appName, resp.StatusCode)
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.URL == "" {
		return "", fmt.Errorf("remote adapter: discovery for %s: malformed response", appName)
	}
	return body.URL, nil
}

// RemoteAdapter dispatches executions to a serverless platform app,
// resolved by name and dialed over the same theory.run.v1 protocol the
// Local Adapter speaks (SPEC_FULL.md §4.7).
type RemoteAdapter struct {
	Resolver PlatformResolver
	Env      string // e.g. "dev", "staging", "prod"
	Headers  http.Header
}

var appNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

func sanitizeAppNameComponent(s string) string {
	s = strings.ToLower(s)
	s = appNameSanitizer.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// AppName derives the serverless app name for ref under env. In the
// dev environment the name also carries the invoking user and git
// branch, so concurrent developers never collide over one app; other
// environments share one app per ref.
func AppName(ref types.ToolRef, env, branch, user string) string {
	if env == "dev" {
		return fmt.Sprintf("%s-%s-%s-%s-%s",
			ref.Namespace, ref.Name, ref.Version,
			sanitizeAppNameComponent(user), sanitizeAppNameComponent(branch))
	}
	return fmt.Sprintf("%s-%s-%s-%s", ref.Namespace, ref.Name, ref.Version, env)
}

// CurrentBranch best-effort reads the checked-out git branch, for
// deriving a dev-environment app name. Returns "unknown" if git is
// unavailable or the working tree isn't a repository.
func CurrentBranch() string {
	out, err := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

// CurrentUser best-effort reads the invoking user, for deriving a
// dev-environment app name.
func CurrentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// Invoke resolves ref's serverless app name to a web URL, rewrites it
// to a WebSocket /run URL, and dials the theory.run.v1 protocol. The
// build lane has no meaning for a serverless platform and is refused.
func (a *RemoteAdapter) Invoke(ctx context.Context, req InvokeRequest) (types.ExecutionEnvelope, error) {
	if req.Build {
		return errorEnvelope(req.Payload.ExecutionID, "ERR_LANE_UNSUPPORTED",
			"the build lane is not supported by the remote adapter"), nil
	}

	appName := AppName(req.Ref, a.Env, req.Branch, req.User)
	webURL, err := a.Resolver.ResolveWebURL(ctx, appName)
	if err != nil {
		return errorEnvelope(req.Payload.ExecutionID, "ERR_NETWORK", err.Error()), nil
	}

	wsURL, err := toRunWebSocketURL(webURL)
	if err != nil {
		return errorEnvelope(req.Payload.ExecutionID, "ERR_BAD_RESPONSE", err.Error()), nil
	}

	envelope, err := DialRun(ctx, wsURL, a.Headers, req.Payload, req.TimeoutS, req.OnEvent)
	if err != nil {
		return errorEnvelopeFromTransport(req.Payload.ExecutionID, err), nil
	}
	return envelope, nil
}

func toRunWebSocketURL(webURL string) (string, error) {
	u, err := url.Parse(webURL)
	if err != nil {
		return "", fmt.Errorf("remote adapter: parse resolved url %q: %w", webURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a ws url
	default:
		return "", fmt.Errorf("remote adapter: unsupported scheme %q in %q", u.Scheme, webURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/run"
	return u.String(), nil
}
