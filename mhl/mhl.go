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

// Package mhl reads and writes ASC Media Hash List (MHL v2) documents, the
// durable record of which files were transferred and verified in a session.
package mhl

import (
	"encoding/xml"
	"os"
	"time"

	"github.com/kbase/transferbox/checksum"
)

// MHL namespace and format version
const (
	Namespace = "urn:ASC:MHL:v2.0"
	Version   = "2.0"
)

// the layout used for all MHL timestamps
const TimeLayout = "2006-01-02T15:04:05Z07:00"

// patterns excluded from hashing, as written into every document
var IgnorePatterns = []string{".DS_Store", "ascmhl", "ascmhl/"}

// an MHL document
type HashList struct {
	XMLName     xml.Name     `xml:"urn:ASC:MHL:v2.0 hashlist"`
	Version     string       `xml:"version,attr"`
	CreatorInfo CreatorInfo  `xml:"creatorinfo"`
	ProcessInfo ProcessInfo  `xml:"processinfo"`
	SessionInfo *SessionInfo `xml:"sessioninfo,omitempty"`
	Hashes      []Hash       `xml:"hashes>hash"`
}

type CreatorInfo struct {
	CreationDate string `xml:"creationdate"`
	Hostname     string `xml:"hostname"`
	Tool         Tool   `xml:"tool"`
	Location     string `xml:"location,omitempty"`
	Comment      string `xml:"comment,omitempty"`
}

type Tool struct {
	Version string `xml:"version,attr"`
	Name    string `xml:",chardata"`
}

type ProcessInfo struct {
	Process string   `xml:"process"`
	Ignore  []string `xml:"ignore>pattern"`
}

// session-level metadata: where the files came from and went, and totals
type SessionInfo struct {
	Id          string `xml:"id,attr"`
	Status      string `xml:"status,attr,omitempty"`
	Source      string `xml:"source"`
	SourcePath  string `xml:"sourcepath"`
	Destination string `xml:"destination"`
	StartDate   string `xml:"startdate"`
	EndDate     string `xml:"enddate"`
	TotalFiles  int    `xml:"totalfiles"`
	TotalBytes  int64  `xml:"totalbytes"`
}

// one hashed file
type Hash struct {
	Path   HashPath   `xml:"path"`
	XXH64  *HashValue `xml:"xxh64,omitempty"`
	MD5    *HashValue `xml:"md5,omitempty"`
	SHA1   *HashValue `xml:"sha1,omitempty"`
	SHA256 *HashValue `xml:"sha256,omitempty"`
}

type HashPath struct {
	Size                 int64  `xml:"size,attr"`
	LastModificationDate string `xml:"lastmodificationdate,attr,omitempty"`
	Path                 string `xml:",chardata"`
}

type HashValue struct {
	Action   string `xml:"action,attr"`
	HashDate string `xml:"hashdate,attr"`
	Digest   string `xml:",chardata"`
}

// returns the algorithm name and digest recorded for the hash
func (h Hash) Digest() (string, string) {
	switch {
	case h.XXH64 != nil:
		return checksum.XXH64, h.XXH64.Digest
	case h.MD5 != nil:
		return checksum.MD5, h.MD5.Digest
	case h.SHA1 != nil:
		return checksum.SHA1, h.SHA1.Digest
	case h.SHA256 != nil:
		return checksum.SHA256, h.SHA256.Digest
	}
	return "", ""
}

// converts the hash to an Entry
func (h Hash) Entry() Entry {
	algorithm, digest := h.Digest()
	entry := Entry{
		Path:      h.Path.Path,
		Size:      h.Path.Size,
		Algorithm: algorithm,
		Digest:    digest,
	}
	entry.ModTime, _ = time.Parse(TimeLayout, h.Path.LastModificationDate)
	var value *HashValue
	switch algorithm {
	case checksum.XXH64:
		value = h.XXH64
	case checksum.MD5:
		value = h.MD5
	case checksum.SHA1:
		value = h.SHA1
	case checksum.SHA256:
		value = h.SHA256
	}
	if value != nil {
		entry.HashDate, _ = time.Parse(TimeLayout, value.HashDate)
	}
	return entry
}

// returns all hashes in the document as entries
func (l HashList) Entries() []Entry {
	entries := make([]Entry, len(l.Hashes))
	for i, h := range l.Hashes {
		entries[i] = h.Entry()
	}
	return entries
}

// reads the MHL document at the given path
func Read(path string) (*HashList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list HashList
	if err := xml.Unmarshal(data, &list); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &list, nil
}
