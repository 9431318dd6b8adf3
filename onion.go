package tormgr

import (
	"crypto/ed25519"
	"encoding/base32"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	opOnionAddress = "OnionAddress"

	onionVersionByte byte = 0x03
	onionChecksumStr      = ".onion checksum"
)

// OnionAddress is a content-addressed v3 hidden-service identifier. v2 is
// not supported: construction always produces and validates 56-base32
// public keys.
type OnionAddress struct {
	publicKey ed25519.PublicKey
}

// NewOnionAddressFromPublicKey builds an OnionAddress from a raw ed25519
// public key, validating its length.
func NewOnionAddressFromPublicKey(pub ed25519.PublicKey) (OnionAddress, error) {
	if len(pub) != ed25519.PublicKeySize {
		return OnionAddress{}, newError(ErrInvalidConfig, opOnionAddress, "public key must be 32 bytes", nil)
	}
	cp := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(cp, pub)
	return OnionAddress{publicKey: cp}, nil
}

// ParseOnionAddress decodes a 56-base32-character public key, optionally
// suffixed with ".onion", validating the embedded checksum and version
// byte per the v3 onion address format: base32(pubkey || checksum ||
// version).
func ParseOnionAddress(s string) (OnionAddress, error) {
	s = strings.ToLower(strings.TrimSuffix(strings.ToLower(s), ".onion"))
	if len(s) != 56 {
		return OnionAddress{}, newError(ErrInvalidConfig, opOnionAddress, "v3 onion address must be 56 base32 characters", nil)
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
	if err != nil {
		return OnionAddress{}, newError(ErrInvalidConfig, opOnionAddress, "invalid base32 onion address", err)
	}
	if len(raw) != ed25519.PublicKeySize+2+1 {
		return OnionAddress{}, newError(ErrInvalidConfig, opOnionAddress, "decoded onion address has wrong length", nil)
	}
	pub := raw[:ed25519.PublicKeySize]
	checksum := raw[ed25519.PublicKeySize : ed25519.PublicKeySize+2]
	version := raw[ed25519.PublicKeySize+2]
	if version != onionVersionByte {
		return OnionAddress{}, newError(ErrInvalidConfig, opOnionAddress, "unsupported onion address version (only v3 is supported)", nil)
	}
	want := onionChecksum(pub, version)
	if !equalBytes(checksum, want) {
		return OnionAddress{}, newError(ErrInvalidConfig, opOnionAddress, "onion address checksum mismatch", nil)
	}
	return OnionAddress{publicKey: pub}, nil
}

// onionChecksum computes SHA3-256(".onion checksum" || pubkey || version)[:2],
// the v3 onion address checksum.
func onionChecksum(pub ed25519.PublicKey, version byte) []byte {
	h := sha3.New256()
	h.Write([]byte(onionChecksumStr))
	h.Write(pub)
	h.Write([]byte{version})
	return h.Sum(nil)[:2]
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the 56-base32-character address with the ".onion" suffix.
func (o OnionAddress) String() string {
	if len(o.publicKey) == 0 {
		return ""
	}
	buf := make([]byte, 0, ed25519.PublicKeySize+3)
	buf = append(buf, o.publicKey...)
	buf = append(buf, onionChecksum(o.publicKey, onionVersionByte)...)
	buf = append(buf, onionVersionByte)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)) + ".onion"
}

// PublicKey returns a copy of the underlying ed25519 public key.
func (o OnionAddress) PublicKey() ed25519.PublicKey {
	cp := make(ed25519.PublicKey, len(o.publicKey))
	copy(cp, o.publicKey)
	return cp
}

// OnionKeyAlgorithm identifies the private-key algorithm carried by an
// onion private-key string, since public and private key algorithms must
// match when paired.
type OnionKeyAlgorithm string

const (
	// OnionKeyED25519V3 is tor's ED25519-V3 service-signing key class, a
	// 32-byte seed rendered as 43 unpadded base64 characters.
	OnionKeyED25519V3 OnionKeyAlgorithm = "ED25519-V3"
	// OnionKeyX25519ClientAuth is the x25519 client-authorization key
	// class, rendered as 52-base32 or 43-base64.
	OnionKeyX25519ClientAuth OnionKeyAlgorithm = "X25519"
)

// OnionPrivateKey is a parsed ADD_ONION-style "KeyType:KeyBlob" private
// key, supporting the 52-base32, 43-base64, and 32-raw-byte encodings
// named in the key data model.
type OnionPrivateKey struct {
	Algorithm OnionKeyAlgorithm
	Raw       []byte
}

// ParseOnionPrivateKey parses a "KeyType:KeyBlob" string as returned by
// ADD_ONION's PrivateKey= field, validating length and alphabet for the
// given algorithm.
func ParseOnionPrivateKey(s string) (OnionPrivateKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return OnionPrivateKey{}, newError(ErrInvalidConfig, opOnionAddress, "private key must be KeyType:KeyBlob", nil)
	}
	algo := OnionKeyAlgorithm(parts[0])
	blob := parts[1]

	var raw []byte
	var err error
	switch {
	case len(blob) == 43:
		raw, err = base64.RawStdEncoding.DecodeString(blob)
	case len(blob) == 52:
		raw, err = base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(blob))
	default:
		if decoded := []byte(blob); len(decoded) == 32 {
			raw = decoded
		} else {
			return OnionPrivateKey{}, newError(ErrInvalidConfig, opOnionAddress, "private key blob has unrecognized length", nil)
		}
	}
	if err != nil {
		return OnionPrivateKey{}, newError(ErrInvalidConfig, opOnionAddress, "failed to decode private key blob", err)
	}
	if len(raw) != ed25519.SeedSize && len(raw) != 32 {
		return OnionPrivateKey{}, newError(ErrInvalidConfig, opOnionAddress, "private key must decode to 32 bytes", nil)
	}
	return OnionPrivateKey{Algorithm: algo, Raw: raw}, nil
}

// String renders the key as "KeyType:base64blob", tor's ADD_ONION wire form.
func (k OnionPrivateKey) String() string {
	return string(k.Algorithm) + ":" + base64.RawStdEncoding.EncodeToString(k.Raw)
}

// ConfigEntry is tor's reply to GETCONF keyword: (keyword, argument,
// is-default). A default is indicated by an empty argument.
type ConfigEntry struct {
	Keyword   string
	Argument  string
	IsDefault bool
}

// HiddenServiceEntry is returned by ADD_ONION: the provisioned public
// key, an optional private key (absent when DiscardPK was requested),
// and any client-auth public keys associated with the service.
type HiddenServiceEntry struct {
	PublicKey       OnionAddress
	PrivateKey      *OnionPrivateKey
	ClientAuthKeys  []string
}
