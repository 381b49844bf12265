package versioncheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/decred/dcrlauncher/events"
)

const (
	// DefaultReleasesURL lists the published decrediton releases.
	DefaultReleasesURL = "https://api.github.com/repos/decred/decrediton/releases"

	// DefaultTimeout bounds the release query.
	DefaultTimeout = 5 * time.Second

	// maxResponseSize caps the amount of data read from the endpoint.
	maxResponseSize = 4 << 20
)

// ErrNoReleases is returned when the endpoint lists no release.
var ErrNoReleases = errors.New("no releases listed")

type release struct {
	TagName string `json:"tag_name"`
}

// Checker compares the running version against the latest published
// release.
type Checker struct {
	URL       string
	Client    *http.Client
	Publisher events.Publisher
}

// New returns a Checker for url with the default timeout.
func New(url string, pub events.Publisher) *Checker {
	if url == "" {
		url = DefaultReleasesURL
	}
	return &Checker{
		URL:       url,
		Client:    &http.Client{Timeout: DefaultTimeout},
		Publisher: pub,
	}
}

// Latest fetches the tag of the first listed release with any leading "v"
// removed.
func (c *Checker) Latest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	var releases []release
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize))
	if err := dec.Decode(&releases); err != nil {
		return "", fmt.Errorf("unable to decode releases: %w", err)
	}
	if len(releases) == 0 || releases[0].TagName == "" {
		return "", ErrNoReleases
	}

	return strings.TrimPrefix(releases[0].TagName, "v"), nil
}

// Compatible reports whether detected satisfies a caret range on latest:
// same major version, and for major version zero the same minor version,
// and not older than latest.
func Compatible(latest, detected string) (bool, error) {
	l, err := semver.NewVersion(strings.TrimPrefix(latest, "v"))
	if err != nil {
		return false, fmt.Errorf("invalid latest version %q: %w",
			latest, err)
	}
	d, err := semver.NewVersion(strings.TrimPrefix(detected, "v"))
	if err != nil {
		return false, fmt.Errorf("invalid detected version %q: %w",
			detected, err)
	}

	if l.Major != d.Major {
		return false, nil
	}
	if l.Major == 0 && l.Minor != d.Minor {
		return false, nil
	}

	// Prerelease tags are ignored for the ordering check.
	l.PreRelease, d.PreRelease = "", ""
	return !d.LessThan(*l), nil
}

// Check queries the latest release and publishes a VersionMismatch event
// when detected is not compatible with it. Failures are logged and never
// fatal. It returns whether a mismatch was published.
func (c *Checker) Check(ctx context.Context, detected string) bool {
	latest, err := c.Latest(ctx)
	if err != nil {
		log.Warnf("Unable to check for new releases: %v", err)
		return false
	}

	ok, err := Compatible(latest, detected)
	if err != nil {
		log.Warnf("Unable to compare versions: %v", err)
		return false
	}
	if ok {
		log.Debugf("Version %s is up to date (latest %s)", detected,
			latest)
		return false
	}

	log.Infof("New release %s available (running %s)", latest, detected)
	if c.Publisher != nil {
		c.Publisher.Publish(events.VersionMismatch{
			Latest:   latest,
			Detected: detected,
		})
	}
	return true
}
