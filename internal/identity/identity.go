// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package identity resolves the device identity (serial, brand, model)
// the control loop reports to the server. The primary source is a
// compact, non-standard base-64 variant encoded configuration file; a
// flat-file property store is consulted as a fallback for older
// revisions that never wrote that file.
package identity

import (
	"fmt"
	"os"
	"strings"
)

// DefaultConfigDataPath is the on-device location of the encoded
// identity file.
const DefaultConfigDataPath = "/data/data/com.datawind.info/files/configdata"

// requiredSerialLen and requiredSerialSubstring gate whether a decoded
// identity is accepted at all: the control loop exits quietly rather
// than reporting to the server under a bogus identity.
const (
	requiredSerialLen       = 16
	requiredSerialSubstring = "P314"
)

// Identity is the device identity posted to the control server.
type Identity struct {
	Serial string
	Brand  string
	Model  string
}

// Valid reports whether the serial meets the length and content
// constraints the control loop requires before proceeding.
func (id Identity) Valid() bool {
	return len(id.Serial) == requiredSerialLen && strings.Contains(id.Serial, requiredSerialSubstring)
}

// cd64Alphabet is the non-standard base-64 character ordering used by
// configdata: the usual RFC 4648 alphabet (A-Z, a-z, 0-9, +, /), but the
// decode table the source builds from it is indexed starting at ASCII
// 43 ('+') instead of 'A', per the field's own name ("cd64"). The kept
// source revision predates the cd64 rename, so the standard-alphabet
// assumption here is unverified against that exact permutation.
const cd64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

const cd64Base = 43 // '+'
const cd64TableLen = 'z' - cd64Base + 1

var cd64 [cd64TableLen]byte

func init() {
	for i := range cd64 {
		cd64[i] = 0xFF
	}
	for val, ch := range []byte(cd64Alphabet) {
		cd64[int(ch)-cd64Base] = byte(val)
	}
}

// decodeCD64 decodes a configdata blob into its plaintext bytes.
func decodeCD64(in []byte) ([]byte, error) {
	var bits [4]byte
	var out []byte
	n := 0

	for _, c := range in {
		if c == '\n' || c == '\r' || c == '=' {
			continue
		}
		idx := int(c) - cd64Base
		if idx < 0 || idx >= len(cd64) || cd64[idx] == 0xFF {
			return nil, fmt.Errorf("identity: invalid cd64 byte %q", c)
		}
		bits[n] = cd64[idx]
		n++
		if n == 4 {
			out = append(out,
				bits[0]<<2|bits[1]>>4,
				bits[1]<<4|bits[2]>>2,
				bits[2]<<6|bits[3],
			)
			n = 0
		}
	}

	switch n {
	case 2:
		out = append(out, bits[0]<<2|bits[1]>>4)
	case 3:
		out = append(out, bits[0]<<2|bits[1]>>4, bits[1]<<4|bits[2]>>2)
	}

	return out, nil
}

// FromConfigData reads and decodes the configdata file at path into an
// Identity. The decoded plaintext is "serial,brand,model".
func FromConfigData(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}

	plain, err := decodeCD64(raw)
	if err != nil {
		return Identity{}, err
	}

	parts := strings.SplitN(strings.TrimSpace(string(plain)), ",", 3)
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("identity: malformed configdata payload")
	}

	return Identity{Serial: parts[0], Brand: parts[1], Model: parts[2]}, nil
}

// FromProperties reads the ro.serialno / ro.product.brand /
// ro.product.model properties from dir, one file per property named by
// its key and holding only its value: the property-store fallback for
// earlier revisions that predate configdata.
func FromProperties(dir string) (Identity, error) {
	serial, err := readProperty(dir, "ro.serialno")
	if err != nil {
		return Identity{}, err
	}
	brand, err := readProperty(dir, "ro.product.brand")
	if err != nil {
		return Identity{}, err
	}
	model, err := readProperty(dir, "ro.product.model")
	if err != nil {
		return Identity{}, err
	}
	return Identity{Serial: serial, Brand: brand, Model: model}, nil
}

func readProperty(dir, key string) (string, error) {
	data, err := os.ReadFile(dir + "/" + key)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Resolve tries configdata first and falls back to the property store:
// the first source that reads without error wins.
func Resolve(configDataPath, propertyDir string) (Identity, error) {
	if id, err := FromConfigData(configDataPath); err == nil {
		return id, nil
	}
	return FromProperties(propertyDir)
}
