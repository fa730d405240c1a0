// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package frictionless describes transferred files with Frictionless data
// packages, which serve as session manifests in the transfer journal.
package frictionless

import (
	"mime"
	"path"
	"strings"
	"unicode"
)

// a Frictionless data package describing the files of one transfer session
// (https://specs.frictionlessdata.io/data-package/)
type DataPackage struct {
	// the name of the data package (lowercase, URL-safe)
	Name string `json:"name"`
	// a title or one sentence description for the data package
	Title string `json:"title,omitempty"`
	// a description of the data package
	Description string `json:"description,omitempty"`
	// an RFC 3339 timestamp indicating when the package was created
	Created string `json:"created,omitempty"`
	// keywords to assist users searching for the data package in catalogs
	Keywords []string `json:"keywords,omitempty"`
	// the DataPackage profile of this descriptor
	// (https://specs.frictionlessdata.io/profiles/#language)
	Profile string `json:"profile,omitempty"`
	// the devices or locations the package's files came from
	Sources []DataSource `json:"sources,omitempty"`
	// a list of resources that belong to the package
	Resources []DataResource `json:"resources"`
}

// a Frictionless data resource describing a transferred file
// (https://specs.frictionlessdata.io/data-resource/)
type DataResource struct {
	// the name of the resource's file, with any suffix stripped off
	Name string `json:"name"`
	// a relative path to the resource's file within the session directory
	Path string `json:"path"`
	// indicates the format of the resource's file, often used as an extension
	Format string `json:"format"`
	// the mediatype/mimetype of the resource (optional, e.g. "video/quicktime")
	MediaType string `json:"mediatype,omitempty"`
	// the size of the resource's file in bytes
	Bytes int64 `json:"bytes"`
	// the hash for the resource's file (algorithms other than MD5 are indicated
	// with a prefix to the hash delimited by a colon)
	Hash string `json:"hash"`
}

// information about the source of a DataPackage
type DataSource struct {
	// a descriptive title for the source
	Title string `json:"title"`
	// a URI or path pointing to the source (optional)
	Path string `json:"path,omitempty"`
}

// returns the name of the hashing algorithm used for the resource's hash
func (res DataResource) HashAlgorithm() string {
	if colon := strings.Index(res.Hash, ":"); colon != -1 {
		return res.Hash[:colon]
	}
	return "md5"
}

// returns the resource's hex digest without its algorithm prefix
func (res DataResource) HashDigest() string {
	if colon := strings.Index(res.Hash, ":"); colon != -1 {
		return res.Hash[colon+1:]
	}
	return res.Hash
}

// returns a hash string for a resource in the form "<algorithm>:<hex digest>"
// (a bare digest for md5, which is the default algorithm)
func HashString(algorithm, digest string) string {
	algorithm = strings.ToLower(algorithm)
	if algorithm == "" || algorithm == "md5" {
		return digest
	}
	return algorithm + ":" + digest
}

// returns a resource name for the file at the given relative path: the path
// with its suffix stripped, lowercased, and with characters not permitted in
// resource names replaced by hyphens
func ResourceName(relPath string) string {
	name := strings.TrimSuffix(relPath, path.Ext(relPath))
	return strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '/':
			return r
		}
		return '-'
	}, name)
}

// returns the lowercase format (extension without its dot) of the file at
// the given path
func Format(relPath string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(relPath), "."))
}

// returns the media type registered for the file's extension, or "" if
// there is none
func MediaType(relPath string) string {
	mediaType := mime.TypeByExtension(strings.ToLower(path.Ext(relPath)))
	if semicolon := strings.Index(mediaType, ";"); semicolon != -1 {
		mediaType = mediaType[:semicolon]
	}
	return mediaType
}
