package carkey_test

import (
	"crypto/sha256"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"go.sia.tech/carpark/carkey"
	"lukechampine.com/frand"
)

func randomDigest(t *testing.T) multihash.Multihash {
	t.Helper()
	mh, err := multihash.Sum(frand.Bytes(128), multihash.SHA2_512, -1)
	if err != nil {
		t.Fatal(err)
	}
	return mh
}

func encodeDigest(t *testing.T, enc multibase.Encoding, mh multihash.Multihash) string {
	t.Helper()
	s, err := multibase.Encode(enc, mh)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDestinationKeyDeterminism(t *testing.T) {
	root := "bafkreia223gzz3t46ajnosijo3mgajipbyjyikwbhbkabmsqdal6o4k6uu"
	encodings := []multibase.Encoding{
		multibase.Base32,
		multibase.Base32Upper,
		multibase.Base58BTC,
		multibase.Base16,
		multibase.Base36,
		multibase.Base64url,
	}

	// fixed inputs keep failures reproducible
	for i := 0; i < 5000; i++ {
		mh, err := multihash.Sum([]byte(strconv.Itoa(i)), multihash.SHA2_256, -1)
		if err != nil {
			t.Fatal(err)
		}

		fragments := []string{strings.TrimPrefix(encodeDigest(t, multibase.Base32, mh), "b")}
		for _, enc := range encodings {
			fragments = append(fragments, encodeDigest(t, enc, mh))
		}

		expected := carkey.ArchiveKey(carkey.ArchiveCID(mh))
		for _, frag := range fragments {
			for _, user := range []string{"315318734258473247", "315318734258473158"} {
				key := "raw/" + root + "/" + user + "/" + frag + ".car"
				dest, err := carkey.DestinationKey(key)
				if err != nil {
					t.Fatalf("failed to canonicalize %q: %v", key, err)
				} else if dest != expected {
					t.Fatalf("expected %q for fragment %q, got %q", expected, frag, dest)
				}
			}
		}
	}

	// random digests of another function
	mh := randomDigest(t)
	expected := carkey.ArchiveKey(carkey.ArchiveCID(mh))
	for _, enc := range encodings {
		key := "raw/" + root + "/1/" + encodeDigest(t, enc, mh) + ".car"
		if dest, err := carkey.DestinationKey(key); err != nil {
			t.Fatal(err)
		} else if dest != expected {
			t.Fatalf("expected %q for %q, got %q", expected, key, dest)
		}
	}
}

func TestDestinationKeySlashFragment(t *testing.T) {
	// standard base64 may contain a slash, splitting the fragment
	var frag string
	for i := 0; ; i++ {
		mh, err := multihash.Sum([]byte(strconv.Itoa(i)), multihash.SHA2_256, -1)
		if err != nil {
			t.Fatal(err)
		}
		if frag = encodeDigest(t, multibase.Base64, mh); strings.Contains(frag, "/") {
			break
		}
	}

	key := "raw/bafkreia223gzz3t46ajnosijo3mgajipbyjyikwbhbkabmsqdal6o4k6uu/1/" + frag + ".car"
	if _, err := carkey.DestinationKey(key); !errors.Is(err, carkey.ErrInvalidKeyFormat) {
		t.Fatalf("expected ErrInvalidKeyFormat for %q, got %v", key, err)
	}
}

func TestDestinationKeyFormat(t *testing.T) {
	key := "raw/bafkreia223gzz3t46ajnosijo3mgajipbyjyikwbhbkabmsqdal6o4k6uu/315318734258473247/ciqi26nuu3dnsi2dirisvxmz3jlamyocdpmfpdpxniktfjsffmcodnq.car"
	dest, err := carkey.DestinationKey(key)
	if err != nil {
		t.Fatal(err)
	}

	first, file, ok := strings.Cut(dest, "/")
	if !ok {
		t.Fatalf("expected two segments, got %q", dest)
	} else if file != first+".car" {
		t.Fatalf("expected %q, got %q", first+".car", file)
	}

	c, err := cid.Decode(first)
	if err != nil {
		t.Fatal(err)
	} else if c.Version() != 1 {
		t.Fatalf("expected CIDv1, got v%d", c.Version())
	} else if c.Type() != uint64(multicodec.Car) {
		t.Fatalf("expected car codec, got %x", c.Type())
	} else if c.Prefix().MhType != multihash.SHA2_256 {
		t.Fatalf("expected sha2-256, got %x", c.Prefix().MhType)
	}

	// the fragment is a legacy base32 multihash, so the digest is carried
	// through rather than rehashed
	_, buf, err := multibase.Decode("bciqi26nuu3dnsi2dirisvxmz3jlamyocdpmfpdpxniktfjsffmcodnq")
	if err != nil {
		t.Fatal(err)
	} else if !c.Equals(carkey.ArchiveCID(buf)) {
		t.Fatalf("expected digest to be preserved, got %s", c)
	}
}

func TestDestinationKeyFallbackDigest(t *testing.T) {
	key := "raw/bafkreia223gzz3t46ajnosijo3mgajipbyjyikwbhbkabmsqdal6o4k6uu/1/not-a-multihash.car"
	dest, err := carkey.DestinationKey(key)
	if err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256([]byte("not-a-multihash"))
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		t.Fatal(err)
	}
	if expected := carkey.ArchiveKey(carkey.ArchiveCID(mh)); dest != expected {
		t.Fatalf("expected %q, got %q", expected, dest)
	}
}

func TestDestinationKeyInvalid(t *testing.T) {
	keys := []string{
		"",
		"complete/bafybeifejmdbliebpx2cecepy26peiesiqgozt7k52kwnixa4zhecuccma.car",
		"aw/QmW5yQT7FqcXF6RiqccxS4Uk6XKZq125SghJhEQmi5uFzW/315318734258473158/ciqdtkwlqivr34apk4lf5blyzxhhesdvvqa4drsmuoaa24j3wvstbny.car",
		"raw/QmW5yQT7FqcXF6RiqccxS4Uk6XKZq125SghJhEQmi5uFzW/ciqdtkwlqivr34apk4lf5blyzxhhesdvvqa4drsmuoaa24j3wvstbny.car",
		"raw/QmW5yQT7FqcXF6RiqccxS4Uk6XKZq125SghJhEQmi5uFzW/315318734258473158/ciqdtkwlqivr34apk4lf5blyzxhhesdvvqa4drsmuoaa24j3wvstbny",
		"raw/QmW5yQT7FqcXF6RiqccxS4Uk6XKZq125SghJhEQmi5uFzW/315318734258473158/.car",
	}
	for _, key := range keys {
		if _, err := carkey.DestinationKey(key); !errors.Is(err, carkey.ErrInvalidKeyFormat) {
			t.Fatalf("expected ErrInvalidKeyFormat for %q, got %v", key, err)
		}
	}
}

func TestNormalizeCID(t *testing.T) {
	v0 := cid.MustParse("QmW5yQT7FqcXF6RiqccxS4Uk6XKZq125SghJhEQmi5uFzW")
	expected := cid.NewCidV1(cid.DagProtobuf, v0.Hash())

	b58, err := expected.StringOfBase(multibase.Base58BTC)
	if err != nil {
		t.Fatal(err)
	}

	inputs := []string{
		v0.String(),
		expected.String(),
		b58,
		strings.TrimPrefix(expected.String(), "b"),
		string(expected.Bytes()),
	}
	for _, in := range inputs {
		c, err := carkey.NormalizeCID(in)
		if err != nil {
			t.Fatalf("failed to normalize %q: %v", in, err)
		} else if !c.Equals(expected) {
			t.Fatalf("expected %s, got %s", expected, c)
		} else if c.String() != expected.String() {
			t.Fatalf("expected canonical string %q, got %q", expected.String(), c.String())
		}
	}

	for _, in := range []string{"", "not a cid", "Qm"} {
		if _, err := carkey.NormalizeCID(in); !errors.Is(err, carkey.ErrInvalidCID) {
			t.Fatalf("expected ErrInvalidCID for %q, got %v", in, err)
		}
	}
}

func TestRootCID(t *testing.T) {
	key := "raw/QmW5yQT7FqcXF6RiqccxS4Uk6XKZq125SghJhEQmi5uFzW/315318734258473158/ciqdtkwlqivr34apk4lf5blyzxhhesdvvqa4drsmuoaa24j3wvstbny.car"
	root, err := carkey.RootCID(key)
	if err != nil {
		t.Fatal(err)
	} else if root.Version() != 1 {
		t.Fatalf("expected CIDv1, got v%d", root.Version())
	}

	dest, err := carkey.DestinationKey(key)
	if err != nil {
		t.Fatal(err)
	}
	mapping := carkey.RootMappingKey(root, dest)
	if expected := root.String() + "/" + carkey.FirstSegment(dest); mapping != expected {
		t.Fatalf("expected %q, got %q", expected, mapping)
	} else if carkey.SideIndexKey(dest) != dest+".idx" {
		t.Fatalf("unexpected side index key %q", carkey.SideIndexKey(dest))
	}

	if _, err := carkey.RootCID("raw/notacid/1/" + strings.Repeat("a", 10) + ".car"); !errors.Is(err, carkey.ErrInvalidCID) {
		t.Fatalf("expected ErrInvalidCID, got %v", err)
	}
}
