// Package wire implements the crypto and identifier primitives of the
// marketplace wire protocol: request signing, inbound payload decoding,
// and the device/message identifiers every frame carries.
package wire

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// AppKey signs every h5 API call and the websocket register frame.
	AppKey = "34839810"

	// TokenAppKey is the separate key the token-refresh API expects in
	// its request body.
	TokenAppKey = "444e9908a51d1cb236a27862abc769c9"
)

// ErrDecrypt reports a payload that could not be decoded. Frames carrying
// such payloads are dropped, never fatal.
var ErrDecrypt = errors.New("wire: undecodable payload")

// Sign computes the request signature over token & timestamp & app key & data.
// Pure function: equal inputs always produce equal output.
func Sign(timestampMS, token, data string) string {
	sum := md5.Sum([]byte(token + "&" + timestampMS + "&" + AppKey + "&" + data))
	return hex.EncodeToString(sum[:])
}

// Decrypt reverses the server's message encoding: the base64-decoded frame
// payload is a MessagePack document, re-encoded here as canonical JSON so
// downstream classification works on one representation.
func Decrypt(payload []byte) ([]byte, error) {
	var doc any
	if err := msgpack.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	out, err := json.Marshal(normalize(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return out, nil
}

// DecodeBase64 decodes frame payload text, accepting both padded and
// unpadded encodings as seen on the wire.
func DecodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	return b, nil
}

// normalize rewrites a decoded MessagePack tree into the shapes
// encoding/json expects: byte slices become strings and non-string map
// keys are stringified.
func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(normalize(k))] = normalize(e)
		}
		return m
	default:
		return v
	}
}

// deviceNamespace seeds the deterministic device id derivation.
var deviceNamespace = uuid.NewMD5(uuid.NameSpaceDNS, []byte("im.goofish.com"))

// DeviceID derives the stable device identifier for a user. The same user
// id always yields the same device id.
func DeviceID(userID string) string {
	return uuid.NewMD5(deviceNamespace, []byte(userID)).String() + "-" + userID
}

// MID returns a fresh per-frame message id. Uniqueness within one session
// is sufficient.
func MID() string {
	return fmt.Sprintf("%d%04d 0", time.Now().UnixMilli(), rand.IntN(9000)+1000)
}

// UUID returns a random v4 identifier for conversation creation.
func UUID() string {
	return uuid.NewString()
}
