// Localcloud
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package s3

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/localcloud/lib/awssig"
	"github.com/gravitational/localcloud/lib/s3/api"
)

// isAWSChunked reports whether the request body carries the aws-chunked
// envelope. Either trigger suffices: the Content-Encoding token or a
// STREAMING payload-hash sentinel.
func isAWSChunked(header http.Header) bool {
	for _, enc := range strings.Split(header.Get("Content-Encoding"), ",") {
		if strings.TrimSpace(enc) == "aws-chunked" {
			return true
		}
	}
	return strings.HasPrefix(header.Get("X-Amz-Content-Sha256"), awssig.StreamingPayloadPrefix)
}

// stripAWSChunked removes the aws-chunked token from a Content-Encoding
// value, keeping any remaining encodings.
func stripAWSChunked(encoding string) string {
	if encoding == "" {
		return ""
	}
	var kept []string
	for _, enc := range strings.Split(encoding, ",") {
		if trimmed := strings.TrimSpace(enc); trimmed != "" && trimmed != "aws-chunked" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, ",")
}

// chunkedReader strips the aws-chunked envelope: hex-size lines with an
// optional ;chunk-signature=... extension, CRLF-delimited chunk data, a
// zero-size terminator, and optional trailer lines that are read and
// discarded.
type chunkedReader struct {
	br        *bufio.Reader
	remaining int64
	done      bool
}

func newChunkedReader(r io.Reader) *chunkedReader {
	return &chunkedReader{br: bufio.NewReader(r)}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for c.remaining == 0 {
		if c.done {
			return 0, io.EOF
		}
		if err := c.nextChunk(); err != nil {
			return 0, err
		}
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	c.remaining -= int64(n)
	if c.remaining == 0 && err == nil {
		// Consume the CRLF that closes the chunk data.
		err = c.discardCRLF()
	}
	if err == io.EOF {
		err = api.InvalidArgument("aws-chunked body ended mid-chunk")
	}
	return n, err
}

func (c *chunkedReader) nextChunk() error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	sizeStr, _, _ := strings.Cut(line, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return api.InvalidArgument("malformed aws-chunked size line %q", line)
	}
	if size == 0 {
		c.done = true
		return c.discardTrailers()
	}
	c.remaining = size
	return nil
}

// discardTrailers consumes trailing checksum/signature lines after the
// final chunk.
func (c *chunkedReader) discardTrailers() error {
	for {
		line, err := c.readLine()
		if err == io.EOF || line == "" {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *chunkedReader) discardCRLF() error {
	line, err := c.readLine()
	if err != nil && err != io.EOF {
		return err
	}
	if line != "" {
		return api.InvalidArgument("malformed aws-chunked chunk delimiter")
	}
	return nil
}

func (c *chunkedReader) readLine() (string, error) {
	line, err := c.br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
