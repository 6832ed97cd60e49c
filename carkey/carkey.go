// Package carkey derives destination keys and canonical root CIDs from origin
// object keys. It performs no I/O.
package carkey

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

const (
	rawSegment    = "raw"
	archiveSuffix = ".car"
	indexSuffix   = ".idx"

	// base32Prefix is the multibase prefix of lowercase, unpadded base32.
	base32Prefix   = "b"
	legacyAlphabet = "abcdefghijklmnopqrstuvwxyz234567"
)

var (
	// ErrInvalidKeyFormat is returned when an origin key does not follow a
	// recognized layout. Keys that fail with this error should be excluded
	// from migration.
	ErrInvalidKeyFormat = errors.New("invalid key format")
	// ErrInvalidCID is returned when a root identifier cannot be decoded by
	// any of the supported strategies.
	ErrInvalidCID = errors.New("invalid cid")
)

type (
	// A digestDecoder recovers the multihash embedded in a key fragment.
	digestDecoder func(fragment string) (multihash.Multihash, error)
	// A cidDecoder decodes a root identifier in one particular encoding.
	cidDecoder func(raw string) (cid.Cid, error)

	// A LegacyKey is an origin key in the layout
	// raw/<rootCid>/<userId>/<fragment>.car
	LegacyKey struct {
		Root     string
		User     string
		Fragment string
	}
)

var digestDecoders = []digestDecoder{
	decodeLegacyDigest,
	decodeMultibaseDigest,
}

var cidDecoders = []cidDecoder{
	decodeDefaultCID,
	decodeMultibaseCID,
	decodeLegacyCID,
	decodeBinaryCID,
}

// decodeLegacyDigest decodes an unprefixed, lowercase, unpadded base32
// multihash. This is the layout used by the oldest upload paths.
func decodeLegacyDigest(fragment string) (multihash.Multihash, error) {
	if strings.Trim(fragment, legacyAlphabet) != "" {
		return nil, errors.New("not lowercase base32")
	}
	_, buf, err := multibase.Decode(base32Prefix + fragment)
	if err != nil {
		return nil, err
	}
	return checkDigest(buf)
}

func decodeMultibaseDigest(fragment string) (multihash.Multihash, error) {
	_, buf, err := multibase.Decode(fragment)
	if err != nil {
		return nil, err
	}
	return checkDigest(buf)
}

// checkDigest accepts only multihashes of a registered function at that
// function's default length.
func checkDigest(buf []byte) (multihash.Multihash, error) {
	dm, err := multihash.Decode(buf)
	if err != nil {
		return nil, err
	} else if _, ok := multihash.Codes[dm.Code]; !ok {
		return nil, fmt.Errorf("unknown multihash code %#x", dm.Code)
	} else if n, ok := multihash.DefaultLengths[dm.Code]; !ok || n != dm.Length {
		return nil, fmt.Errorf("unexpected %s digest length %d", dm.Name, dm.Length)
	}
	return multihash.Multihash(buf), nil
}

func decodeDefaultCID(raw string) (cid.Cid, error) {
	return cid.Decode(raw)
}

func decodeMultibaseCID(raw string) (cid.Cid, error) {
	_, buf, err := multibase.Decode(raw)
	if err != nil {
		return cid.Undef, err
	}
	return cid.Cast(buf)
}

func decodeLegacyCID(raw string) (cid.Cid, error) {
	return decodeMultibaseCID(base32Prefix + raw)
}

func decodeBinaryCID(raw string) (cid.Cid, error) {
	return cid.Cast([]byte(raw))
}

// firstDigest returns the result of the first decoder that succeeds.
func firstDigest(fragment string, decoders []digestDecoder) (multihash.Multihash, error) {
	var errs []error
	for _, decode := range decoders {
		mh, err := decode(fragment)
		if err == nil {
			return mh, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// firstCID returns the result of the first decoder that succeeds.
func firstCID(raw string, decoders []cidDecoder) (cid.Cid, error) {
	var errs []error
	for _, decode := range decoders {
		c, err := decode(raw)
		if err == nil && c.Defined() {
			return c, nil
		} else if err == nil {
			err = errors.New("undefined cid")
		}
		errs = append(errs, err)
	}
	return cid.Undef, errors.Join(errs...)
}

// ParseLegacyKey splits an origin key into its legacy components. Any
// segments before the raw segment are ignored. Exactly three segments must
// follow it, so fragments in an encoding that produces slashes are
// rejected rather than truncated.
func ParseLegacyKey(key string) (LegacyKey, error) {
	parts := strings.Split(key, "/")
	start := -1
	for i, p := range parts {
		if p == rawSegment {
			start = i
			break
		}
	}
	switch {
	case start == -1:
		return LegacyKey{}, fmt.Errorf("%w: missing %q segment in %q", ErrInvalidKeyFormat, rawSegment, key)
	case len(parts)-start < 4:
		return LegacyKey{}, fmt.Errorf("%w: too few segments in %q", ErrInvalidKeyFormat, key)
	case len(parts)-start > 4:
		return LegacyKey{}, fmt.Errorf("%w: too many segments in %q", ErrInvalidKeyFormat, key)
	}

	last := parts[len(parts)-1]
	if !strings.HasSuffix(last, archiveSuffix) {
		return LegacyKey{}, fmt.Errorf("%w: missing %q suffix in %q", ErrInvalidKeyFormat, archiveSuffix, key)
	}
	lk := LegacyKey{
		Root:     parts[start+1],
		User:     parts[start+2],
		Fragment: strings.TrimSuffix(last, archiveSuffix),
	}
	if lk.Fragment == "" || lk.Root == "" {
		return LegacyKey{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidKeyFormat, key)
	}
	return lk, nil
}

// FragmentDigest recovers the multihash identified by a key fragment. If the
// fragment does not carry a decodable multihash, a sha2-256 digest of the
// fragment itself is used instead.
func FragmentDigest(fragment string) multihash.Multihash {
	if mh, err := firstDigest(fragment, digestDecoders); err == nil {
		return mh
	}
	sum := sha256.Sum256([]byte(fragment))
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		panic(err) // sha2-256 is always a valid multihash
	}
	return mh
}

// ArchiveCID wraps a digest as a CIDv1 using the CAR multicodec.
func ArchiveCID(mh multihash.Multihash) cid.Cid {
	return cid.NewCidV1(uint64(multicodec.Car), mh)
}

// ArchiveKey formats the destination key for an archive CID.
func ArchiveKey(c cid.Cid) string {
	s := c.String()
	return s + "/" + s + archiveSuffix
}

// DestinationKey derives the content-addressed destination key for an origin
// key. Origin keys that encode the same digest map to the same destination
// key regardless of the encoding used.
func DestinationKey(originKey string) (string, error) {
	lk, err := ParseLegacyKey(originKey)
	if err != nil {
		return "", err
	}
	return ArchiveKey(ArchiveCID(FragmentDigest(lk.Fragment))), nil
}

// NormalizeCID decodes a CID in any supported encoding and returns its
// canonical CIDv1 form.
func NormalizeCID(raw string) (cid.Cid, error) {
	if raw == "" {
		return cid.Undef, fmt.Errorf("%w: empty string", ErrInvalidCID)
	}
	c, err := firstCID(raw, cidDecoders)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w %q: %v", ErrInvalidCID, raw, err)
	}
	return cid.NewCidV1(c.Type(), c.Hash()), nil
}

// RootCID extracts and normalizes the root CID embedded in an origin key.
func RootCID(originKey string) (cid.Cid, error) {
	lk, err := ParseLegacyKey(originKey)
	if err != nil {
		return cid.Undef, err
	}
	return NormalizeCID(lk.Root)
}

// FirstSegment returns the portion of a destination key before the first
// slash.
func FirstSegment(destKey string) string {
	seg, _, _ := strings.Cut(destKey, "/")
	return seg
}

// SideIndexKey returns the key of the side index for a destination key.
func SideIndexKey(destKey string) string {
	return destKey + indexSuffix
}

// RootMappingKey returns the key of the marker mapping a root CID to the
// archive stored under destKey.
func RootMappingKey(root cid.Cid, destKey string) string {
	return root.String() + "/" + FirstSegment(destKey)
}
