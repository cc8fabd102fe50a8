// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"strconv"
	"strings"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tailscale.com/util/mak"
)

// Image config labels that describe the commit an image becomes.
const (
	LabelRef            = "org.flatpak.ref"
	LabelSubject        = "org.flatpak.subject"
	LabelBody           = "org.flatpak.body"
	LabelTimestamp      = "org.flatpak.timestamp"
	LabelMetadataPrefix = "org.flatpak.commit-metadata."
)

// CommitLabels is the commit information carried by an image config.
type CommitLabels struct {
	Ref       string
	Subject   string
	Body      string
	Timestamp time.Time
	Metadata  map[string]string
}

// ParseCommitLabels extracts commit information from labels. A malformed
// timestamp is ignored.
func ParseCommitLabels(labels map[string]string) CommitLabels {
	var cl CommitLabels
	for k, v := range labels {
		switch k {
		case LabelRef:
			cl.Ref = v
		case LabelSubject:
			cl.Subject = v
		case LabelBody:
			cl.Body = v
		case LabelTimestamp:
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				cl.Timestamp = time.Unix(secs, 0).UTC()
			}
		default:
			if key, ok := strings.CutPrefix(k, LabelMetadataPrefix); ok && key != "" {
				mak.Set(&cl.Metadata, key, v)
			}
		}
	}
	return cl
}

// ImageLabels returns the labels of img, or nil.
func ImageLabels(img *ocispec.Image) map[string]string {
	if img == nil {
		return nil
	}
	return img.Config.Labels
}
