// Package wire implements the relay message codec: one NUL-delimited UTF-8
// message per connection, optionally carrying a shared secret as its first
// segment.
package wire

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// Delimiter separates message segments. NUL never appears inside a
// command-line argument, unlike newline, so arguments containing newlines
// survive the trip intact.
const Delimiter = "\x00"

// ErrUnauthenticated is returned by Decode when the receiver requires a
// secret and the message does not lead with a matching one.
var ErrUnauthenticated = errors.New("wire: message not authenticated")

// Encode builds one relay message: the optional secret followed by the
// arguments, each segment terminated by the delimiter. Zero segments encode
// to an empty message, which is what the release self-wake sends.
func Encode(secret string, args []string) []byte {
	segments := make([]string, 0, len(args)+1)
	if secret != "" {
		segments = append(segments, secret)
	}
	segments = append(segments, args...)
	if len(segments) == 0 {
		return nil
	}
	return []byte(strings.Join(segments, Delimiter) + Delimiter)
}

// Decode parses one relay message into its argument segments. Bytes that do
// not form valid UTF-8 are replaced with U+FFFD rather than failing the
// connection. Empty segments are dropped, which also absorbs the trailing
// delimiter. When secret is non-empty the first segment must match it byte
// for byte; otherwise ErrUnauthenticated is returned and nothing else of
// the message is inspected. A message with no argument segments decodes to
// a nil slice.
func Decode(payload []byte, secret string) ([]string, error) {
	text := strings.ToValidUTF8(string(payload), "�")
	var segments []string
	for seg := range strings.SplitSeq(text, Delimiter) {
		if seg == "" {
			continue
		}
		segments = append(segments, seg)
	}
	if secret != "" {
		if len(segments) == 0 {
			return nil, ErrUnauthenticated
		}
		if subtle.ConstantTimeCompare([]byte(segments[0]), []byte(secret)) != 1 {
			return nil, ErrUnauthenticated
		}
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return nil, nil
	}
	return segments, nil
}
