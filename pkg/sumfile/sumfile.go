package sumfile

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// SHA256 is the only digest CMake publishes alongside its releases.
const SHA256 = "sha256"

type hashedEntity struct {
	hash   []byte
	entity string
	algo   string
}

// Sumfile is a set of digests in the sha256sum text layout:
// a hex digest, whitespace, then the file name.
type Sumfile struct {
	entities []hashedEntity
}

// AssetSuffix ends the name of the checksum asset of a release, as in
// cmake-3.22.3-SHA-256.txt.
const AssetSuffix = "-SHA-256.txt"

// Load reads every entry from r, recording algo for each. Blank lines and
// comments are skipped; a malformed digest is an error.
func (s *Sumfile) Load(r io.Reader, algo string) error {
	br := bufio.NewReader(r)

	for {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 && trimmed[0] != '#' {
			if perr := s.parseLine(trimmed, algo); perr != nil {
				return perr
			}
		}

		if err == io.EOF {
			break
		}
	}

	s.sort()

	return nil
}

func (s *Sumfile) parseLine(line []byte, algo string) error {
	space := bytes.IndexAny(line, " \t")
	if space == -1 {
		return errors.Errorf("malformed checksum line: %q", line)
	}

	// binary mode entries carry a leading '*'
	entity := strings.TrimPrefix(string(bytes.TrimSpace(line[space+1:])), "*")

	b, err := hex.DecodeString(string(line[:space]))
	if err != nil {
		return errors.Wrapf(err, "checksum for %s", entity)
	}

	s.entities = append(s.entities, hashedEntity{
		hash:   b,
		entity: entity,
		algo:   algo,
	})

	return nil
}

func (s *Sumfile) sort() {
	sort.SliceStable(s.entities, func(i, j int) bool {
		return s.entities[i].entity < s.entities[j].entity
	})
}

func (s *Sumfile) Lookup(entity string) (string, []byte, bool) {
	idx := sort.Search(len(s.entities), func(i int) bool {
		return s.entities[i].entity >= entity
	})

	if idx == len(s.entities) {
		return "", nil, false
	}

	if s.entities[idx].entity == entity {
		return s.entities[idx].algo, s.entities[idx].hash, true
	}

	return "", nil, false
}
