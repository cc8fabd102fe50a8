// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/compress"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

const userAgent = "ocidelta/1"

// acceptOCI is sent with every registry request so manifests come back in
// a media type we can parse.
var acceptOCI = strings.Join([]string{
	ocispec.MediaTypeImageManifest,
	oci.MediaTypeDockerManifest,
	ocispec.MediaTypeImageIndex,
	oci.MediaTypeDockerManifestList,
}, ", ")

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 * 1024

// fetcher talks HTTP to a remote registry.
type fetcher struct {
	base   *url.URL
	client *resty.Client
	log    *logrus.Entry
}

func newFetcher(cfg Config, log *logrus.Entry) (*fetcher, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ocierr.Errorf(ocierr.InvalidData, "", "Invalid url %s", cfg.URI)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	var c *resty.Client
	if cfg.HTTPClient != nil {
		c = resty.NewWithClient(cfg.HTTPClient)
	} else {
		c = resty.New()
	}
	c.SetLogger(log).
		SetHeader("User-Agent", userAgent)
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, ocierr.New(ocierr.SetupFailed, "read CA file", err)
		}
		c.SetRootCertificateFromString(string(pem))
	}
	return &fetcher{base: u, client: c, log: log}, nil
}

// resolve returns the URL for subpath. The first http(s) URL in altURLs
// wins over the registry location.
func (f *fetcher) resolve(subpath string, altURLs []string) string {
	if u := chooseAltURL(altURLs); u != "" {
		return u
	}
	return f.base.ResolveReference(&url.URL{Path: subpath}).String()
}

// resolveRef resolves a possibly relative reference against the registry
// base URL.
func (f *fetcher) resolveRef(ref string) (string, error) {
	u, err := f.base.Parse(ref)
	if err != nil {
		return "", ocierr.Errorf(ocierr.InvalidData, "", "Invalid url %s", ref)
	}
	return u.String(), nil
}

func chooseAltURL(altURLs []string) string {
	for _, u := range altURLs {
		if strings.HasPrefix(u, "http:") || strings.HasPrefix(u, "https:") {
			return u
		}
	}
	return ""
}

func (f *fetcher) request(ctx context.Context, token string) *resty.Request {
	req := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", acceptOCI).
		SetHeader("Accept-Encoding", compress.AcceptEncoding)
	if token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// open issues a GET and returns the decoded response body.
func (f *fetcher) open(ctx context.Context, u, token string) (io.ReadCloser, http.Header, error) {
	f.log.Debugf("GET %s", u)
	resp, err := f.request(ctx, token).Get(u)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, ocierr.New(ocierr.Failure, "GET "+u, err)
	}
	body := resp.RawBody()
	if !resp.IsSuccess() {
		defer body.Close()
		return nil, nil, f.statusError(u, resp.StatusCode(), resp.Header(), body)
	}
	rc, err := compress.NewReader(resp.Header().Get("Content-Encoding"), body)
	if err != nil {
		body.Close()
		return nil, nil, ocierr.New(ocierr.Failure, "GET "+u, err)
	}
	return rc, resp.Header(), nil
}

// load fetches u into memory. Only manifests, indexes and configs are
// loaded this way, so bodies over oci.MaxJSONSize are rejected.
func (f *fetcher) load(ctx context.Context, u, token string) ([]byte, string, error) {
	rc, hdr, err := f.open(ctx, u, token)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, oci.MaxJSONSize+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, "", ocierr.New(ocierr.Failure, "GET "+u, err)
	}
	if len(b) > oci.MaxJSONSize {
		return nil, "", ocierr.Errorf(ocierr.InvalidData, "", "Response from %s exceeds %d bytes", u, oci.MaxJSONSize)
	}
	return b, hdr.Get("Content-Type"), nil
}

// download streams u into w.
func (f *fetcher) download(ctx context.Context, u, token string, w io.Writer, progress ProgressFunc) (int64, error) {
	rc, _, err := f.open(ctx, u, token)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := copyWithProgress(ctx, w, rc, progress)
	if err != nil {
		return n, err
	}
	f.log.Debugf("downloaded %d bytes from %s", n, u)
	return n, nil
}

// head requests u without a token and returns the status and headers.
func (f *fetcher) head(ctx context.Context, u string) (int, http.Header, error) {
	f.log.Debugf("HEAD %s", u)
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", acceptOCI).
		Head(u)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, ocierr.New(ocierr.Failure, "HEAD "+u, err)
	}
	if body := resp.RawBody(); body != nil {
		io.Copy(io.Discard, body)
		body.Close()
	}
	return resp.StatusCode(), resp.Header(), nil
}

// statusError classifies a non-2xx response.
func (f *fetcher) statusError(u string, status int, hdr http.Header, body io.Reader) error {
	if rc, err := compress.NewReader(hdr.Get("Content-Encoding"), io.NopCloser(body)); err == nil {
		body = rc
	}
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	detail, ok := errorDetail(raw)
	if !ok {
		f.log.Infof("Unhandled error body format: %s", raw)
	}
	e := &HTTPError{URL: u, StatusCode: status, Detail: detail}
	switch status {
	case http.StatusUnauthorized:
		return ocierr.New(ocierr.NotAuthorized, "", e)
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return ocierr.New(ocierr.NotFound, "", e)
	default:
		return ocierr.New(ocierr.Failure, "", e)
	}
}
