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

// Package awssig verifies AWS Signature Version 4 and the legacy S3
// Signature Version 2, for both Authorization-header and presigned-URL
// flows.
//
// The canonical query string is rebuilt from the raw query bytes without a
// decode/re-encode round trip. Some clients (notably OkHttp-based ones)
// leave characters unencoded that the SigV4 document says must be encoded;
// re-normalizing would break their signatures, while preserving raw bytes
// verifies both strict and lenient signers.
package awssig

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

const (
	// SigV4Algorithm is the Authorization prefix of a SigV4-signed request.
	SigV4Algorithm = "AWS4-HMAC-SHA256"

	// SigV2Prefix is the Authorization prefix of a legacy SigV2 request.
	SigV2Prefix = "AWS "

	// AmzDateFormat is the timestamp layout used in X-Amz-Date.
	AmzDateFormat = "20060102T150405Z"

	// UnsignedPayload is the payload-hash sentinel for unsigned bodies.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// StreamingPayloadPrefix marks aws-chunked payload-hash sentinels.
	StreamingPayloadPrefix = "STREAMING-"
)

// Verification failure codes, matching the S3 wire error taxonomy.
const (
	CodeMissingAuthHeader      = "MissingAuthHeader"
	CodeInvalidAuthHeader      = "InvalidAuthHeader"
	CodeUnsupportedAlgorithm   = "UnsupportedAlgorithm"
	CodeMissingHeader          = "MissingHeader"
	CodeInvalidCredential      = "InvalidCredential"
	CodeAccessKeyNotFound      = "AccessKeyNotFound"
	CodeSignatureDoesNotMatch  = "SignatureDoesNotMatch"
	CodeRequestExpired         = "RequestExpired"
	CodeMissingQueryParam      = "MissingQueryParam"
)

// sigError carries a verification failure code alongside the message.
type sigError struct {
	code string
	msg  string
}

func (e *sigError) Error() string { return e.msg }

func errorf(code, format string, args ...any) error {
	return trace.Wrap(&sigError{code: code, msg: fmt.Sprintf(format, args...)})
}

// AccessKeyNotFound builds the error a CredentialsGetter returns for
// unknown access key IDs.
func AccessKeyNotFound(keyID string) error {
	return errorf(CodeAccessKeyNotFound, "access key %q not found", keyID)
}

// ErrorCode extracts the verification failure code from an error returned
// by this package, or the empty string.
func ErrorCode(err error) string {
	if se, ok := trace.Unwrap(err).(*sigError); ok {
		return se.code
	}
	return ""
}

// CredentialsGetter resolves an access key ID to its secret key. It must
// return an error with CodeAccessKeyNotFound semantics for unknown keys.
type CredentialsGetter func(accessKeyID string) (secretKey string, err error)

// Verifier checks request signatures against a credential store.
type Verifier struct {
	// Credentials resolves access key IDs.
	Credentials CredentialsGetter
	// Clock is consulted for presigned-URL expiry.
	Clock clockwork.Clock
}

// NewVerifier creates a Verifier with a real clock.
func NewVerifier(creds CredentialsGetter) *Verifier {
	return &Verifier{Credentials: creds, Clock: clockwork.NewRealClock()}
}

// Verify dispatches on the request shape: presigned SigV4 when the
// signature travels in the query string, header SigV4 or SigV2 otherwise.
// payloadHash is the hex SHA-256 of the collected body, or one of the
// UNSIGNED-PAYLOAD / STREAMING-* sentinels taken from x-amz-content-sha256.
func (v *Verifier) Verify(r *http.Request, payloadHash string) error {
	query := r.URL.Query()
	if query.Get("X-Amz-Algorithm") != "" || query.Get("X-Amz-Signature") != "" {
		return trace.Wrap(v.verifyPresigned(r, query))
	}

	auth := r.Header.Get("Authorization")
	switch {
	case auth == "":
		return errorf(CodeMissingAuthHeader, "request carries no Authorization header or presigned parameters")
	case strings.HasPrefix(auth, SigV4Algorithm):
		return trace.Wrap(v.verifyV4Header(r, auth, payloadHash))
	case strings.HasPrefix(auth, SigV2Prefix):
		return trace.Wrap(v.verifyV2Header(r, auth))
	}
	return errorf(CodeUnsupportedAlgorithm, "unsupported Authorization scheme %q", firstToken(auth))
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

// SigV4 is the parsed content of a SigV4 Authorization header or the
// equivalent presigned query parameters.
type SigV4 struct {
	// KeyID is the AWS access key ID.
	KeyID string
	// Date is the credential scope date in YYYYMMDD form.
	Date string
	// Region is the credential scope region.
	Region string
	// Service is the credential scope service.
	Service string
	// SignedHeaders lists the headers covered by the signature.
	SignedHeaders []string
	// Signature is the hex signature to verify against.
	Signature string
}

// Scope returns the credential scope string of the signature.
func (s *SigV4) Scope() string {
	return strings.Join([]string{s.Date, s.Region, s.Service, "aws4_request"}, "/")
}

// ParseSigV4Authorization parses the SigV4 Authorization header:
//
//	AWS4-HMAC-SHA256 Credential=AKID/20130524/us-east-1/s3/aws4_request,
//	SignedHeaders=host;range;x-amz-date,
//	Signature=fe5f80f77d5fa3beca038a248ff027d0445342fe2855ddc963176630326f1024
func ParseSigV4Authorization(header string) (*SigV4, error) {
	rest, ok := strings.CutPrefix(header, SigV4Algorithm)
	if !ok {
		return nil, errorf(CodeUnsupportedAlgorithm, "not a %v header", SigV4Algorithm)
	}

	fields := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		fields[k] = v
	}
	return sigV4FromFields(fields["Credential"], fields["SignedHeaders"], fields["Signature"])
}

func sigV4FromFields(credential, signedHeaders, signature string) (*SigV4, error) {
	credParts := strings.Split(credential, "/")
	if len(credParts) != 5 || credParts[4] != "aws4_request" {
		return nil, errorf(CodeInvalidCredential, "malformed credential scope %q", credential)
	}
	if signature == "" {
		return nil, errorf(CodeInvalidAuthHeader, "missing signature")
	}
	if signedHeaders == "" {
		return nil, errorf(CodeInvalidAuthHeader, "missing signed headers")
	}
	return &SigV4{
		KeyID:         credParts[0],
		Date:          credParts[1],
		Region:        credParts[2],
		Service:       credParts[3],
		SignedHeaders: strings.Split(signedHeaders, ";"),
		Signature:     signature,
	}, nil
}

func (v *Verifier) verifyV4Header(r *http.Request, auth, payloadHash string) error {
	sig, err := ParseSigV4Authorization(auth)
	if err != nil {
		return trace.Wrap(err)
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	if amzDate == "" {
		return errorf(CodeMissingHeader, "request carries neither X-Amz-Date nor Date")
	}

	secret, err := v.Credentials(sig.KeyID)
	if err != nil {
		return trace.Wrap(err)
	}

	if payloadHash == "" {
		payloadHash = r.Header.Get("X-Amz-Content-Sha256")
	}

	canonical := canonicalRequest(r.Method, r.URL.EscapedPath(), canonicalQuery(r.URL.RawQuery, nil), requestHeaders(r), sig.SignedHeaders, payloadHash)
	expected := signV4(secret, amzDate, sig, canonical)
	return compareSignatures(expected, sig.Signature)
}

// requestHeaders returns the request headers with Host restored; net/http
// promotes the Host header to the Request.Host field.
func requestHeaders(r *http.Request) http.Header {
	if r.Host == "" || r.Header.Get("Host") != "" {
		return r.Header
	}
	headers := r.Header.Clone()
	headers.Set("Host", r.Host)
	return headers
}

func (v *Verifier) verifyPresigned(r *http.Request, query url.Values) error {
	if alg := query.Get("X-Amz-Algorithm"); alg != SigV4Algorithm {
		return errorf(CodeUnsupportedAlgorithm, "unsupported presign algorithm %q", alg)
	}
	for _, p := range []string{"X-Amz-Credential", "X-Amz-Date", "X-Amz-SignedHeaders", "X-Amz-Signature", "X-Amz-Expires"} {
		if query.Get(p) == "" {
			return errorf(CodeMissingQueryParam, "presigned URL is missing %v", p)
		}
	}

	sig, err := sigV4FromFields(query.Get("X-Amz-Credential"), query.Get("X-Amz-SignedHeaders"), query.Get("X-Amz-Signature"))
	if err != nil {
		return trace.Wrap(err)
	}

	amzDate := query.Get("X-Amz-Date")
	signedAt, err := time.Parse(AmzDateFormat, amzDate)
	if err != nil {
		return errorf(CodeInvalidAuthHeader, "malformed X-Amz-Date %q", amzDate)
	}
	expires, err := strconv.ParseInt(query.Get("X-Amz-Expires"), 10, 64)
	if err != nil || expires < 1 || expires > 604800 {
		return errorf(CodeMissingQueryParam, "malformed X-Amz-Expires %q", query.Get("X-Amz-Expires"))
	}
	if v.Clock.Now().After(signedAt.Add(time.Duration(expires) * time.Second)) {
		return errorf(CodeRequestExpired, "presigned URL expired %v seconds after %v", expires, amzDate)
	}

	secret, err := v.Credentials(sig.KeyID)
	if err != nil {
		return trace.Wrap(err)
	}

	// The signature parameter itself is excluded from the canonical query,
	// and the payload is always unsigned for presigned URLs.
	canonical := canonicalRequest(r.Method, r.URL.EscapedPath(), canonicalQuery(r.URL.RawQuery, []string{"X-Amz-Signature"}), requestHeaders(r), sig.SignedHeaders, UnsignedPayload)
	expected := signV4(secret, amzDate, sig, canonical)
	return compareSignatures(expected, sig.Signature)
}

// canonicalRequest assembles the SigV4 canonical request text.
func canonicalRequest(method, escapedPath, query string, headers http.Header, signedHeaders []string, payloadHash string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(canonicalURI(escapedPath))
	b.WriteByte('\n')
	b.WriteString(query)
	b.WriteByte('\n')
	b.WriteString(canonicalHeaders(headers, signedHeaders))
	b.WriteByte('\n')
	b.WriteString(strings.Join(lowerAll(signedHeaders), ";"))
	b.WriteByte('\n')
	b.WriteString(payloadHash)
	return b.String()
}

// canonicalURI decodes each path segment and re-encodes it with the AWS
// reserved character set, keeping "/" separators intact.
func canonicalURI(escapedPath string) string {
	if escapedPath == "" {
		return "/"
	}
	segments := strings.Split(escapedPath, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			// Not decodable, keep the raw bytes.
			decoded = seg
		}
		segments[i] = awsURIEncode(decoded, false)
	}
	return strings.Join(segments, "/")
}

// awsURIEncode percent-encodes everything except the SigV4 unreserved set.
func awsURIEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteString("%" + strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}

// canonicalQuery sorts raw query parameters by (key, value) with the values
// preserved byte-for-byte. Parameters named in drop are omitted.
func canonicalQuery(rawQuery string, drop []string) string {
	if rawQuery == "" {
		return ""
	}
	type kv struct{ k, v string }
	var params []kv
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			name = k
		}
		if contains(drop, name) {
			continue
		}
		params = append(params, kv{k: k, v: v})
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].k != params[j].k {
			return params[i].k < params[j].k
		}
		return params[i].v < params[j].v
	})
	pairs := make([]string, len(params))
	for i, p := range params {
		pairs[i] = p.k + "=" + p.v
	}
	return strings.Join(pairs, "&")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// canonicalHeaders renders the signed headers lowercased, sorted, with
// values trimmed and internal whitespace collapsed, each line terminated
// by a newline.
func canonicalHeaders(headers http.Header, signedHeaders []string) string {
	names := lowerAll(signedHeaders)
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		values := headers.Values(name)
		for i, v := range values {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(collapseSpaces(strings.TrimSpace(v)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// signV4 derives the signing key and signs the string-to-sign, returning
// the hex signature.
func signV4(secret, amzDate string, sig *SigV4, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		SigV4Algorithm,
		amzDate,
		sig.Scope(),
		hex.EncodeToString(hash[:]),
	}, "\n")

	dateKey := hmacSHA256([]byte("AWS4"+secret), sig.Date)
	regionKey := hmacSHA256(dateKey, sig.Region)
	serviceKey := hmacSHA256(regionKey, sig.Service)
	signingKey := hmacSHA256(serviceKey, "aws4_request")
	return hex.EncodeToString(hmacSHA256(signingKey, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// compareSignatures compares two hex signatures in constant time.
func compareSignatures(expected, provided string) error {
	if subtle.ConstantTimeEq(int32(len(expected)), int32(len(provided))) == 0 {
		// Still burn a comparison so length mismatches are not an early exit.
		subtle.ConstantTimeCompare([]byte(expected), []byte(expected))
		return errorf(CodeSignatureDoesNotMatch, "request signature does not match the calculated signature")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return errorf(CodeSignatureDoesNotMatch, "request signature does not match the calculated signature")
	}
	return nil
}
