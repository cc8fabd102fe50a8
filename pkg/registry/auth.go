// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/containerd/containerd/remotes/docker/auth"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

// GetToken returns a bearer token for pulling ref from repo. It requests the
// manifest and, when the registry answers 401 with a Bearer challenge,
// asks the challenge realm for a token. basicAuth, if set, is sent as the
// Authorization header of the token request.
//
// The empty string is returned for local layouts and for registries that
// allow anonymous access.
func (r *Registry) GetToken(ctx context.Context, repo, ref, basicAuth string) (string, error) {
	subpath, err := r.DigestSubpath(repo, true, true, ref)
	if err != nil {
		return "", err
	}
	if r.IsLocal() {
		return "", nil
	}
	u := r.remote.resolve(subpath, nil)
	status, hdr, err := r.remote.head(ctx, u)
	if err != nil {
		return "", err
	}
	if status >= 200 && status < 300 {
		return "", nil
	}
	if status != http.StatusUnauthorized {
		return "", ocierr.Errorf(ocierr.Failure, "", "Unexpected response status %d from repo", status)
	}
	params, err := bearerChallenge(hdr)
	if err != nil {
		return "", err
	}
	return r.remote.tokenForChallenge(ctx, repo, params, basicAuth)
}

// bearerChallenge returns the parameters of the Bearer challenge in hdr.
func bearerChallenge(hdr http.Header) (map[string]string, error) {
	if hdr.Get("WWW-Authenticate") == "" {
		return nil, ocierr.Errorf(ocierr.Failure, "", "No WWW-Authenticate header from repo")
	}
	for _, c := range auth.ParseAuthHeader(hdr) {
		if c.Scheme == auth.BearerAuth {
			return c.Parameters, nil
		}
	}
	return nil, ocierr.Errorf(ocierr.Failure, "", "Only Bearer authentication supported")
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (f *fetcher) tokenForChallenge(ctx context.Context, repo string, params map[string]string, basicAuth string) (string, error) {
	realm, ok := params["realm"]
	if !ok {
		return "", ocierr.Errorf(ocierr.Failure, "", "No realm in authentication request")
	}
	realmURL, err := url.Parse(realm)
	if err != nil || (realmURL.Scheme != "http" && realmURL.Scheme != "https") || realmURL.Host == "" {
		return "", ocierr.Errorf(ocierr.Failure, "", "Invalid realm in authentication request")
	}
	realmURL.RawQuery = ""

	query := map[string]string{}
	if service, ok := params["service"]; ok {
		query["service"] = service
	}
	scope, ok := params["scope"]
	if !ok {
		scope = "repository:" + repo + ":pull"
	}
	query["scope"] = scope

	req := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParams(query)
	if basicAuth != "" {
		req.SetHeader("Authorization", basicAuth)
	}
	f.log.Debugf("requesting token from %s for %s", realmURL, scope)
	resp, err := req.Get(realmURL.String())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", ocierr.New(ocierr.Failure, "request token", err)
	}
	body := resp.RawBody()
	defer body.Close()
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "", ocierr.New(ocierr.Failure, "request token", err)
	}

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		detail, ok := errorDetail(raw)
		if !ok {
			f.log.Infof("Unhandled error body format: %s", raw)
		}
		if status == http.StatusUnauthorized {
			if detail != "" {
				return "", ocierr.Errorf(ocierr.NotAuthorized, "", "Authorization failed: %s", detail)
			}
			return "", ocierr.Errorf(ocierr.NotAuthorized, "", "Authorization failed")
		}
		return "", ocierr.Errorf(ocierr.Failure, "", "Unexpected response status %d when requesting token: %s", status, raw)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", ocierr.New(ocierr.Failure, "Invalid authentication request response", err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", ocierr.Errorf(ocierr.Failure, "", "Invalid authentication request response")
	}
	return token, nil
}
