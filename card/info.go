// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package card

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/scauth/go-scauth/assuan"
)

// FingerprintSize is the length of an OpenPGP v4 key fingerprint.
const FingerprintSize = 20

// Fingerprint is the fingerprint of the key in one of the card's key slots.
// Valid is false if the slot is empty or the card reported a malformed
// fingerprint.
type Fingerprint struct {
	Value [FingerprintSize]byte
	Valid bool
}

// String returns the fingerprint as upper case hex, or an empty string if it
// is not valid.
func (f Fingerprint) String() string {
	if !f.Valid {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(f.Value[:]))
}

// KeyPairInfo associates the keygrip of a key on the card with its key ID,
// e.g. OPENPGP.3.
type KeyPairInfo struct {
	Keygrip string
	KeyID   string
}

// Info is the identifying metadata read from a card by Learn.
type Info struct {
	Serial       string
	AppType      string
	DisplayName  string
	DisplayLang  string
	PubkeyURL    string
	LoginData    string
	Fingerprints [3]Fingerprint
	KeyPairs     []KeyPairInfo
}

// Reset clears all fields so that nothing from a previously learned card
// remains.
func (info *Info) Reset() { *info = Info{} }

// handleStatus accumulates one status line of a LEARN transaction.
func (info *Info) handleStatus(keyword, args string) error {
	switch keyword {
	case "SERIALNO":
		serial, _, _ := strings.Cut(args, " ")
		if !isHex(serial) {
			return fmt.Errorf("%w: serial number %q is not hex", ErrInvalidValue, serial)
		}
		info.Serial = serial

	case "APPTYPE":
		info.AppType = args

	case "DISP-NAME":
		return unescapeInto(&info.DisplayName, keyword, args)

	case "DISP-LANG":
		return unescapeInto(&info.DisplayLang, keyword, args)

	case "PUBKEY-URL":
		return unescapeInto(&info.PubkeyURL, keyword, args)

	case "LOGIN-DATA":
		return unescapeInto(&info.LoginData, keyword, args)

	case "KEY-FPR":
		no, fpr, _ := strings.Cut(args, " ")
		slot, err := strconv.Atoi(no)
		if err != nil || slot < 1 || slot > len(info.Fingerprints) {
			// Not an error, the card may have more slots than we track
			return nil
		}
		info.Fingerprints[slot-1] = parseFingerprint(fpr)

	case "KEYPAIRINFO":
		grip, rest, _ := strings.Cut(args, " ")
		keyID, _, _ := strings.Cut(rest, " ")
		if grip != "X" && isHex(grip) && keyID != "" {
			info.KeyPairs = append(info.KeyPairs, KeyPairInfo{Keygrip: grip, KeyID: keyID})
		}
	}
	return nil
}

func unescapeInto(dst *string, keyword, args string) error {
	v, err := assuan.UnescapePlus([]byte(args))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, keyword, err)
	}
	*dst = string(v)
	return nil
}

// parseFingerprint decodes 40 hex digits. Anything else yields an invalid
// fingerprint.
func parseFingerprint(s string) (fpr Fingerprint) {
	s, _, _ = strings.Cut(s, " ")
	if len(s) != 2*FingerprintSize {
		return Fingerprint{}
	}
	if _, err := hex.Decode(fpr.Value[:], []byte(s)); err != nil {
		return Fingerprint{}
	}
	fpr.Valid = true
	return fpr
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
