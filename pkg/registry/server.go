// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/compress"
	"github.com/yeetrun/ocidelta/pkg/delta"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
	"github.com/yeetrun/ocidelta/pkg/targz"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Token, if set, must be presented as a bearer token on every
	// /v2/ request. Clients obtain it from the /token endpoint.
	Token string
	// Username and Password, if set, are required as basic auth on the
	// /token endpoint.
	Username string
	Password string
	// Service is the service name advertised in auth challenges.
	Service string
	// Logger defaults to the registry's logger.
	Logger *logrus.Entry
}

// Server serves a local OCI layout over the read side of the distribution
// API. Tags resolve through the ref names recorded in index.json.
type Server struct {
	reg  *Registry
	opts ServerOptions
	mux  *http.ServeMux
	log  *logrus.Entry
}

// NewServer returns a Server for the local registry reg.
func NewServer(reg *Registry, opts ServerOptions) (*Server, error) {
	if !reg.IsLocal() {
		return nil, ocierr.Errorf(ocierr.NotSupported, "", "only local registries can be served")
	}
	if opts.Service == "" {
		opts.Service = "ocidelta"
	}
	s := &Server{
		reg:  reg,
		opts: opts,
		mux:  http.NewServeMux(),
		log:  opts.Logger,
	}
	if s.log == nil {
		s.log = reg.log
	}
	s.setupRoutes()
	return s, nil
}

// PathType represents the type of registry operation
type PathType int

const (
	PathTypeUnknown PathType = iota
	PathTypeManifest
	PathTypeBlob
	PathTypeTagsList
)

func (pt PathType) String() string {
	switch pt {
	case PathTypeManifest:
		return "manifest"
	case PathTypeBlob:
		return "blob"
	case PathTypeTagsList:
		return "tags_list"
	default:
		return "unknown"
	}
}

// RegistryPath holds the parsed components of a registry path
type RegistryPath struct {
	Type      PathType
	Repo      string
	Reference string // For manifests: tag or digest; for blobs: digest
}

// ParseRegistryPath parses a distribution API path. The repository may
// contain slashes; it ends at the first manifests, blobs or tags element.
func ParseRegistryPath(p string) (*RegistryPath, error) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[0] != "v2" {
		return nil, fmt.Errorf("path must start with /v2/")
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("path too short")
	}

	var opIdx int
	var op string
	for i := 1; i < len(parts); i++ {
		if parts[i] == "manifests" || parts[i] == "blobs" || parts[i] == "tags" {
			opIdx = i
			op = parts[i]
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("no valid operation found (manifests/blobs/tags)")
	}
	repo := strings.Join(parts[1:opIdx], "/")
	if repo == "" {
		return nil, fmt.Errorf("empty repository name")
	}

	result := &RegistryPath{Repo: repo}
	rest := parts[opIdx+1:]
	switch op {
	case "manifests":
		if len(rest) != 1 || rest[0] == "" {
			return nil, fmt.Errorf("manifests path missing reference")
		}
		result.Type = PathTypeManifest
		result.Reference = rest[0]
	case "blobs":
		if len(rest) != 1 || rest[0] == "" {
			return nil, fmt.Errorf("blobs path missing digest")
		}
		result.Type = PathTypeBlob
		result.Reference = rest[0]
	case "tags":
		if len(rest) != 1 || rest[0] != "list" {
			return nil, fmt.Errorf("tags path must be tags/list")
		}
		result.Type = PathTypeTagsList
	}
	return result, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/token", s.handleToken)
	s.mux.HandleFunc("/v2", s.handleAPIVersion)
	s.mux.HandleFunc("/v2/", func(w http.ResponseWriter, req *http.Request) {
		if !s.authorized(w, req) {
			return
		}
		if req.URL.Path == "/v2/" {
			s.handleAPIVersion(w, req)
			return
		}
		result, err := ParseRegistryPath(req.URL.Path)
		if err != nil {
			s.log.Debugf("ParseRegistryPath(%s) error: %v", req.URL.Path, err)
			WriteError(w, http.StatusNotFound, ErrCodeNameInvalid, err.Error(), nil)
			return
		}
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
			return
		}
		switch result.Type {
		case PathTypeManifest:
			s.handleManifest(w, req, result.Repo, result.Reference)
		case PathTypeBlob:
			s.handleBlob(w, req, result.Repo, result.Reference)
		case PathTypeTagsList:
			s.handleTagsList(w, req, result.Repo)
		}
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.log.Debugf("%s %s", req.Method, req.URL.Path)
	s.mux.ServeHTTP(w, req)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

// authorized checks the bearer token. On failure it writes a 401 with a
// challenge pointing at this server's /token endpoint.
func (s *Server) authorized(w http.ResponseWriter, req *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) == 1 {
		return true
	}
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	realm := scheme + "://" + req.Host + "/token"
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer realm=%q,service=%q", realm, s.opts.Service))
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
	return false
}

func (s *Server) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	if s.opts.Username != "" || s.opts.Password != "" {
		user, pass, ok := req.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.Password)) != 1 {
			WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials", nil)
			return
		}
	}
	s.log.Debugf("issuing token for scope %q", req.URL.Query().Get("scope"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{Token: s.opts.Token})
}

// resolveManifest maps a tag or digest to a manifest descriptor. Digests
// not recorded in index.json are still served if the blob exists.
func (s *Server) resolveManifest(reference string) (ocispec.Descriptor, error) {
	idx, err := s.reg.LoadIndex()
	if err != nil && !ocierr.Is(err, ocierr.NotFound) {
		return ocispec.Descriptor{}, err
	}
	if !oci.IsDigest(reference) {
		desc, ok := oci.FindManifest(idx, reference)
		if !ok {
			return ocispec.Descriptor{}, ocierr.Errorf(ocierr.NotFound, "", "no manifest tagged %s", reference)
		}
		return desc, nil
	}
	d, err := oci.ParseDigest(reference)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if idx != nil {
		for _, desc := range idx.Manifests {
			if desc.Digest == d {
				return desc, nil
			}
		}
	}
	return ocispec.Descriptor{Digest: d}, nil
}

func (s *Server) handleManifest(w http.ResponseWriter, req *http.Request, repo, reference string) {
	desc, err := s.resolveManifest(reference)
	if err != nil {
		s.writeErr(w, err, ErrCodeManifestUnknown)
		return
	}
	b, _, err := s.reg.LoadBlob(req.Context(), repo, true, desc.Digest.String(), nil)
	if err != nil {
		s.writeErr(w, err, ErrCodeManifestUnknown)
		return
	}
	mediaType := desc.MediaType
	if mediaType == "" {
		if v, err := oci.ParseVersioned(b, ""); err == nil {
			mediaType = v.MediaType
		} else {
			mediaType = ocispec.MediaTypeImageManifest
		}
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	s.writeBody(w, req, bytes.NewReader(b), int64(len(b)), true)
}

func (s *Server) handleBlob(w http.ResponseWriter, req *http.Request, repo, reference string) {
	d, err := oci.ParseDigest(reference)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeDigestInvalid, err.Error(), nil)
		return
	}
	f, err := s.reg.DownloadBlob(req.Context(), repo, false, d, nil, nil)
	if err != nil {
		s.writeErr(w, err, ErrCodeBlobUnknown)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		s.writeErr(w, err, ErrCodeBlobUnknown)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d.String())
	s.writeBody(w, req, f, fi.Size(), !isCompressed(f))
}

// isCompressed reports whether the blob in f is a gzip or zstd layer or a
// delta, which is zstd inside.
func isCompressed(f io.ReaderAt) bool {
	var head [len(delta.Magic)]byte
	n, _ := f.ReadAt(head[:], 0)
	return targz.Detect(head[:n]) != targz.Uncompressed || bytes.HasPrefix(head[:n], []byte(delta.Magic))
}

type tagsList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (s *Server) handleTagsList(w http.ResponseWriter, req *http.Request, repo string) {
	idx, err := s.reg.LoadIndex()
	if err != nil && !ocierr.Is(err, ocierr.NotFound) {
		s.writeErr(w, err, ErrCodeNameInvalid)
		return
	}
	list := tagsList{Name: repo, Tags: []string{}}
	if idx != nil {
		for _, desc := range idx.Manifests {
			if ref := oci.RefOf(desc); ref != "" {
				list.Tags = append(list.Tags, ref)
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if req.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	json.NewEncoder(w).Encode(list)
}

// writeBody sends body, compressed when compressible is set and the client
// accepts it. HEAD gets the uncompressed Content-Length and no body.
func (s *Server) writeBody(w http.ResponseWriter, req *http.Request, body io.Reader, size int64, compressible bool) {
	if req.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	if encoding := compress.SelectEncoding(req.Header.Get("Accept-Encoding")); compressible && encoding != "" {
		cw, err := compress.NewResponseWriter(w, encoding)
		if err == nil {
			defer cw.Close()
			cw.WriteHeader(http.StatusOK)
			if _, err := io.Copy(cw, body); err != nil {
				s.log.WithError(err).Debugf("write %s", req.URL.Path)
			}
			return
		}
		s.log.WithError(err).Debugf("compression %s unavailable", encoding)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.WithError(err).Debugf("write %s", req.URL.Path)
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error, unknownCode string) {
	var mismatch *DigestMismatchError
	switch {
	case ocierr.Is(err, ocierr.NotFound):
		WriteError(w, http.StatusNotFound, unknownCode, err.Error(), nil)
	case errors.As(err, &mismatch):
		WriteError(w, http.StatusInternalServerError, ErrCodeDigestInvalid, err.Error(), nil)
	case ocierr.Is(err, ocierr.NotSupported), ocierr.Is(err, ocierr.InvalidData):
		WriteError(w, http.StatusBadRequest, ErrCodeManifestInvalid, err.Error(), nil)
	default:
		s.log.WithError(err).Warn("registry request failed")
		WriteError(w, http.StatusInternalServerError, ErrCodeUnsupported, "internal error", nil)
	}
}

// ManifestPath returns the path for a manifest.
func ManifestPath(repo, reference string) string {
	return path.Join("/v2", repo, "manifests", reference)
}

// BlobPath returns the path for a blob.
func BlobPath(repo string, d digest.Digest) string {
	return path.Join("/v2", repo, "blobs", d.String())
}
