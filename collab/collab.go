package collab

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/oklog/ulid/v2"
)

// slugs are human chosen and double as the room key
const MaxSlugLength = 16

const slugAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
const randomSlugLength = 7

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// NewRandomSlug returns a slug in the same shape the directory uses when
// creating a codespace without a user-chosen name.
func NewRandomSlug() string {
	slug := make([]byte, randomSlugLength)
	max := big.NewInt(int64(len(slugAlphabet)))
	for i := range slug {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		slug[i] = slugAlphabet[n.Int64()]
	}
	return string(slug)
}

func ValidateSlug(slug string) error {
	if slug == "" {
		return errors.New("slug must not be empty")
	}
	if MaxSlugLength < len(slug) {
		return fmt.Errorf("slug exceeds maximum length: %d < %d", MaxSlugLength, len(slug))
	}
	for i := 0; i < len(slug); i += 1 {
		c := slug[i]
		switch {
		case '0' <= c && c <= '9':
		case 'a' <= c && c <= 'z':
		case 'A' <= c && c <= 'Z':
		case c == '-' || c == '_':
		default:
			return fmt.Errorf("slug contains invalid character at %d: %q", i, c)
		}
	}
	return nil
}
