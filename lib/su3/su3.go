// Package su3 implements reading the SU3 container format, trimmed to
// what the reseed path needs: header metadata, content extraction and
// the detached signature bytes.
//
// See: https://geti2p.net/spec/updates#su3-file-specification
package su3

import (
	"encoding/binary"
	"strings"

	"github.com/samber/oops"
)

type SignatureType string

const (
	DSA_SHA1               SignatureType = "DSA-SHA1"
	ECDSA_SHA256_P256      SignatureType = "ECDSA-SHA256-P256"
	ECDSA_SHA384_P384      SignatureType = "ECDSA-SHA384-P384"
	ECDSA_SHA512_P521      SignatureType = "ECDSA-SHA512-P521"
	RSA_SHA256_2048        SignatureType = "RSA-SHA256-2048"
	RSA_SHA384_3072        SignatureType = "RSA-SHA384-3072"
	RSA_SHA512_4096        SignatureType = "RSA-SHA512-4096"
	EdDSA_SHA512_Ed25519ph SignatureType = "EdDSA-SHA512-Ed25519ph"
)

var sigTypes = map[[2]byte]SignatureType{
	{0x00, 0x00}: DSA_SHA1,
	{0x00, 0x01}: ECDSA_SHA256_P256,
	{0x00, 0x02}: ECDSA_SHA384_P384,
	{0x00, 0x03}: ECDSA_SHA512_P521,
	{0x00, 0x04}: RSA_SHA256_2048,
	{0x00, 0x05}: RSA_SHA384_3072,
	{0x00, 0x06}: RSA_SHA512_4096,
	{0x00, 0x08}: EdDSA_SHA512_Ed25519ph,
}

type FileType string

const (
	ZIP      FileType = "zip"
	XML      FileType = "xml"
	HTML     FileType = "html"
	XML_GZIP FileType = "xml.gz"
	TXT_GZIP FileType = "txt.gz"
)

var fileTypes = map[byte]FileType{
	0x00: ZIP,
	0x01: XML,
	0x02: HTML,
	0x03: XML_GZIP,
	0x04: TXT_GZIP,
}

type ContentType string

const (
	UNKNOWN       ContentType = "unknown"
	ROUTER_UPDATE ContentType = "router_update"
	PLUGIN        ContentType = "plugin"
	RESEED        ContentType = "reseed"
	NEWS          ContentType = "news"
	BLOCKLIST     ContentType = "blocklist"
)

var contentTypes = map[byte]ContentType{
	0x00: UNKNOWN,
	0x01: ROUTER_UPDATE,
	0x02: PLUGIN,
	0x03: RESEED,
	0x04: NEWS,
	0x05: BLOCKLIST,
}

var (
	ErrMissingMagicBytes    = oops.Errorf("missing magic bytes")
	ErrMissingSignatureType = oops.Errorf("missing or invalid signature type")
	ErrMissingFileType      = oops.Errorf("missing or invalid file type")
	ErrMissingContentType   = oops.Errorf("missing or invalid content type")
	ErrTruncated            = oops.Errorf("su3 file truncated")
)

const magicBytes = "I2Psu3"
const headerFixedSize = 40

// SU3 is a parsed container: metadata plus the raw content and
// signature regions. Signature verification against the signer's
// certificate is the caller's concern.
type SU3 struct {
	SignatureType   SignatureType
	SignatureLength uint16
	ContentLength   uint64
	FileType        FileType
	ContentType     ContentType
	Version         string
	SignerID        string
	Content         []byte
	Signature       []byte
	// SignedBytes is the header+content region the signature covers.
	SignedBytes []byte
}

// Read parses an SU3 container from buf.
func Read(buf []byte) (*SU3, error) {
	if len(buf) < headerFixedSize {
		return nil, ErrTruncated
	}
	if string(buf[0:6]) != magicBytes {
		return nil, ErrMissingMagicBytes
	}
	// buf[6] unused, buf[7] file format version

	su3 := &SU3{}
	sigType, ok := sigTypes[[2]byte{buf[8], buf[9]}]
	if !ok {
		return nil, ErrMissingSignatureType
	}
	su3.SignatureType = sigType
	su3.SignatureLength = binary.BigEndian.Uint16(buf[10:12])
	// buf[12] unused
	versionLength := int(buf[13])
	if versionLength < 16 {
		return nil, oops.Errorf("version length %d too short", versionLength)
	}
	// buf[14] unused
	signerIDLength := int(buf[15])
	su3.ContentLength = binary.BigEndian.Uint64(buf[16:24])
	// buf[24] unused
	fileType, ok := fileTypes[buf[25]]
	if !ok {
		return nil, ErrMissingFileType
	}
	su3.FileType = fileType
	// buf[26] unused
	contentType, ok := contentTypes[buf[27]]
	if !ok {
		return nil, ErrMissingContentType
	}
	su3.ContentType = contentType
	// bytes 28-39 unused

	offset := headerFixedSize
	if len(buf) < offset+versionLength+signerIDLength {
		return nil, ErrTruncated
	}
	su3.Version = strings.TrimRight(string(buf[offset:offset+versionLength]), "\x00")
	offset += versionLength
	su3.SignerID = string(buf[offset : offset+signerIDLength])
	offset += signerIDLength

	if uint64(len(buf)) < uint64(offset)+su3.ContentLength+uint64(su3.SignatureLength) {
		return nil, ErrTruncated
	}
	su3.Content = buf[offset : uint64(offset)+su3.ContentLength]
	su3.SignedBytes = buf[:uint64(offset)+su3.ContentLength]
	sigStart := uint64(offset) + su3.ContentLength
	su3.Signature = buf[sigStart : sigStart+uint64(su3.SignatureLength)]
	return su3, nil
}
