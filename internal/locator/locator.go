// Package locator finds firmware artifacts in a remote repository.
//
// The repository is any listable, fetchable object store: an S3-style bucket
// returning an XML listing, or a plain HTTP server with an HTML index page.
// Listings are cached with a TTL so repeated lookups don't hammer the store.
package locator

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/apex/log"
	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"

	"github.com/blacktop/symserver/internal/cache"
	"github.com/blacktop/symserver/internal/model"
	"github.com/blacktop/symserver/internal/utils"
)

// DefaultListTTL is how long a repository listing stays fresh.
const DefaultListTTL = 30 * time.Minute

// Locator lists and matches firmware artifacts from a remote repository.
type Locator struct {
	Endpoint string
	Bucket   string
	ListTTL  time.Duration

	client *http.Client

	mu        sync.Mutex
	artifacts []*model.FirmwareArtifact
	fetchedAt time.Time
}

// New creates a locator for the given repository endpoint and bucket.
func New(endpoint, bucket string, insecure bool) *Locator {
	return &Locator{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Bucket:   bucket,
		ListTTL:  DefaultListTTL,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: insecure},
				ForceAttemptHTTP2: true,
			},
		},
	}
}

func (l *Locator) bucketURL() string {
	if l.Bucket == "" {
		return l.Endpoint + "/"
	}
	return l.Endpoint + "/" + l.Bucket + "/"
}

// List returns the repository's firmware artifacts, refreshing the cached
// listing when it is older than ListTTL.
func (l *Locator) List(ctx context.Context) ([]*model.FirmwareArtifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.artifacts != nil && time.Since(l.fetchedAt) < l.ListTTL {
		return l.artifacts, nil
	}

	var body []byte
	var contentType string
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.bucketURL(), nil)
		if err != nil {
			return errors.Wrap(err, "cannot create listing request")
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("firmware repository returned status: %s", resp.Status)
		}
		contentType = resp.Header.Get("Content-Type")
		body, err = io.ReadAll(resp.Body)
		return err
	}
	if err := utils.Retry(3, time.Second, fetch); err != nil {
		return nil, errors.Wrap(err, "failed to list firmware repository")
	}

	var artifacts []*model.FirmwareArtifact
	var err error
	if isXMLListing(contentType, body) {
		artifacts, err = l.parseXMLListing(body)
	} else {
		artifacts, err = l.parseHTMLListing(body)
	}
	if err != nil {
		return nil, err
	}

	l.artifacts = artifacts
	l.fetchedAt = time.Now()
	log.WithFields(log.Fields{
		"count":  len(artifacts),
		"bucket": l.bucketURL(),
	}).Debug("refreshed firmware repository listing")
	return artifacts, nil
}

func isXMLListing(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "xml") {
		return true
	}
	head := strings.TrimSpace(string(body[:min(len(body), 256)]))
	return strings.HasPrefix(head, "<?xml") || strings.Contains(head, "<ListBucketResult")
}

// listBucketResult is the S3 ListObjects response shape.
type listBucketResult struct {
	Contents []struct {
		Key          string `xml:"Key"`
		Size         int64  `xml:"Size"`
		LastModified string `xml:"LastModified"`
	} `xml:"Contents"`
}

func (l *Locator) parseXMLListing(body []byte) ([]*model.FirmwareArtifact, error) {
	var result listBucketResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, "failed to parse XML listing")
	}
	var artifacts []*model.FirmwareArtifact
	for _, obj := range result.Contents {
		if !strings.HasSuffix(obj.Key, ".ipsw") {
			continue
		}
		art := ParseFilename(obj.Key)
		if art == nil {
			continue
		}
		art.Size = obj.Size
		if t, err := time.Parse(time.RFC3339, obj.LastModified); err == nil {
			art.Modified = t
		}
		art.URL = l.bucketURL() + url.PathEscape(obj.Key)
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

var htmlSizeRegex = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(GB|MB|KB|B)\b`)

func (l *Locator) parseHTMLListing(body []byte) ([]*model.FirmwareArtifact, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse HTML index page")
	}
	var artifacts []*model.FirmwareArtifact
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !strings.HasSuffix(href, ".ipsw") {
			return
		}
		name := href[strings.LastIndex(href, "/")+1:]
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
		art := ParseFilename(name)
		if art == nil {
			return
		}
		// table-style indexes keep the size in a sibling cell, so search
		// the whole row; fall back to the anchor's parent for plain lists
		context := sel.Closest("tr")
		if context.Length() == 0 {
			context = sel.Parent()
		}
		if m := htmlSizeRegex.FindStringSubmatch(context.Text()); m != nil {
			art.Size = humanSizeBytes(m[1], m[2])
		}
		art.URL = l.bucketURL() + url.PathEscape(name)
		artifacts = append(artifacts, art)
	})
	return artifacts, nil
}

func humanSizeBytes(value, unit string) int64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	switch strings.ToUpper(unit) {
	case "KB":
		v *= 1 << 10
	case "MB":
		v *= 1 << 20
	case "GB":
		v *= 1 << 30
	}
	return int64(v)
}

// Find returns the firmware artifact matching the identity triple. Version
// must match; build is constrained only when requested. When several builds
// satisfy the same device+version, the highest build wins.
func (l *Locator) Find(ctx context.Context, device, version, build string) (*model.FirmwareArtifact, error) {
	artifacts, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	var best *model.FirmwareArtifact
	for _, art := range artifacts {
		if !cache.DeviceMatchesAny(device, art.DeviceCandidates) {
			continue
		}
		if !versionsEqual(art.Version, version) {
			continue
		}
		if build != "" && !strings.EqualFold(art.Build, build) {
			continue
		}
		if best == nil || CompareBuilds(art.Build, best.Build) > 0 {
			best = art
		}
	}
	if best == nil {
		return nil, &model.PipelineError{
			Reason: model.ReasonNotFound,
			Err:    fmt.Errorf("no firmware matches %s %s %s", device, version, build),
		}
	}
	return best, nil
}

// versionsEqual compares OS version strings with version semantics when
// possible ("18.5" equals "18.5.0"), falling back to string equality.
func versionsEqual(a, b string) bool {
	va, erra := goversion.NewVersion(a)
	vb, errb := goversion.NewVersion(b)
	if erra == nil && errb == nil {
		return va.Equal(vb)
	}
	return a == b
}

// CompareBuilds orders Apple build identifiers (e.g. 22F76 < 22G80): numeric
// major first, then the train letter, then the numeric remainder, falling
// back to lexical comparison for anything unparsable.
func CompareBuilds(a, b string) int {
	ma, oka := splitBuild(a)
	mb, okb := splitBuild(b)
	if oka && okb {
		if ma.major != mb.major {
			return cmpInt(ma.major, mb.major)
		}
		if ma.train != mb.train {
			return strings.Compare(ma.train, mb.train)
		}
		return cmpInt(ma.minor, mb.minor)
	}
	return strings.Compare(a, b)
}

type buildParts struct {
	major int
	train string
	minor int
}

var buildRegex = regexp.MustCompile(`^(\d+)([A-Za-z]+)(\d+)`)

func splitBuild(s string) (buildParts, bool) {
	m := buildRegex.FindStringSubmatch(s)
	if m == nil {
		return buildParts{}, false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[3])
	return buildParts{major: major, train: strings.ToUpper(m[2]), minor: minor}, true
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
