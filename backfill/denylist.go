package backfill

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ipfs/go-cid"
	"go.sia.tech/carpark/carkey"
)

// A Denylist is a set of canonical CIDs that must not be migrated. It is
// read-only after construction.
type Denylist map[string]struct{}

// Contains returns true if c, in any encoding, is denylisted.
func (d Denylist) Contains(c cid.Cid) bool {
	if !c.Defined() {
		return false
	}
	_, ok := d[cid.NewCidV1(c.Type(), c.Hash()).String()]
	return ok
}

// Add normalizes raw and adds it to the denylist.
func (d Denylist) Add(raw string) error {
	c, err := carkey.NormalizeCID(raw)
	if err != nil {
		return err
	}
	d[c.String()] = struct{}{}
	return nil
}

// ReadDenylist reads a denylist with one CID per line. Blank lines and lines
// starting with # are ignored.
func ReadDenylist(r io.Reader) (Denylist, error) {
	d := make(Denylist)
	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		} else if err := d.Add(text); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to read denylist: %w", err)
	}
	return d, nil
}

// LoadDenylist merges the denylists stored in files.
func LoadDenylist(files ...string) (Denylist, error) {
	d := make(Denylist)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open denylist: %w", err)
		}
		fd, err := ReadDenylist(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to load denylist %q: %w", path, err)
		}
		for k := range fd {
			d[k] = struct{}{}
		}
	}
	return d, nil
}
