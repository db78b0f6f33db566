package classify

import (
	"bytes"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// maxControlRatio is the share of control bytes above which content is binary.
const maxControlRatio = 0.3

var (
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// keyFileExts are binary formats worth inspecting and naming.
var keyFileExts = map[string]bool{
	".pem":      true,
	".key":      true,
	".der":      true,
	".p12":      true,
	".pfx":      true,
	".ppk":      true,
	".jks":      true,
	".keystore": true,
	".kdbx":     true,
}

// keyFileNames are well-known private key file names.
var keyFileNames = map[string]bool{
	"id_rsa":     true,
	"id_dsa":     true,
	"id_ecdsa":   true,
	"id_ed25519": true,
}

// isUTF16 reports content that starts with a UTF-16 byte order mark.
func isUTF16(b []byte) bool {
	return bytes.HasPrefix(b, bomUTF16LE) || bytes.HasPrefix(b, bomUTF16BE)
}

// decodeUTF16 transcodes BOM-prefixed UTF-16 content to UTF-8.
func decodeUTF16(b []byte) ([]byte, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	out, _, err := transform.Bytes(dec, b)
	return out, err
}

// isBinary sniffs content: any NUL byte or too many control bytes.
func isBinary(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return true
	}
	control := 0
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' && c != '\f' && c != '\v' && c != 0x1b {
			control++
		}
	}
	return float64(control)/float64(len(b)) > maxControlRatio
}

// inspectable reports binary formats whose content is scanned anyway.
func inspectable(path string) bool {
	return keyFileExts[strings.ToLower(filepath.Ext(path))]
}

// nameFindings applies filename heuristics for key material.
func nameFindings(path string) []model.Finding {
	base := filepath.Base(path)
	if !keyFileNames[base] && !keyFileExts[strings.ToLower(filepath.Ext(base))] {
		return nil
	}
	return []model.Finding{{
		Category:   model.CategoryPrivateKey,
		Confidence: nameConfidence,
		Sample:     base,
		Detector:   "filename",
	}}
}
