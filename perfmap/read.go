package perfmap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	ErrNoSymbolFound = errors.New("no symbol found")
	ErrEmptyMap      = errors.New("perf map is empty")
)

// Entry is one perf map line.
type Entry struct {
	Start  uint64
	End    uint64
	Symbol string
}

// Map is a parsed perf map, sorted by end address.
type Map struct {
	Path string

	entries []Entry
}

// ReadMap parses the perf map at path.
func ReadMap(logger log.Logger, path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := ParseMap(logger, f)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

// ParseMap parses a perf map. Malformed lines are skipped.
func ParseMap(logger log.Logger, rd io.Reader) (*Map, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var (
		entries []Entry
		errs    error
	)

	r := bufio.NewReader(rd)
	for i := 0; ; i++ {
		b, err := r.ReadBytes('\n')
		if len(b) > 0 {
			e, lineErr := parseLine(b)
			if lineErr != nil {
				errs = errors.Join(errs, fmt.Errorf("parse perf map line %d: %w", i, lineErr))
			} else {
				entries = append(entries, e)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read perf map line: %w", err)
		}
	}

	if errs != nil {
		level.Debug(logger).Log("msg", "some perf map lines failed to parse", "err", errs)
	}

	if len(entries) == 0 {
		return nil, ErrEmptyMap
	}

	// Sorted by end address so Lookup can binary search for the first
	// entry ending after an address.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].End < entries[j].End
	})

	return (&Map{entries: entries}).Deduplicate(), nil
}

// Deduplicate drops entries overlapped by a later one. A map can hold
// stale lines when an address range is reused after the code there went
// away; the line written last is the current one.
func (m *Map) Deduplicate() *Map {
	keep := m.deduplicatedIndices()

	entries := make([]Entry, 0, keep.GetCardinality())
	for _, i := range keep.ToArray() {
		entries = append(entries, m.entries[i])
	}
	return &Map{Path: m.Path, entries: entries}
}

func (m *Map) deduplicatedIndices() *roaring.Bitmap {
	bm := roaring.NewBitmap()

	// Entries are sorted by end address and the sort is stable, so of two
	// identical ranges the one written last comes last. Walking backwards,
	// anything ending past the lowest kept start overlaps a kept entry.
	limit := uint64(math.MaxUint64)
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].End > limit {
			continue
		}
		bm.Add(uint32(i))
		limit = min(limit, m.entries[i].Start)
	}

	return bm
}

// Entries returns the entries sorted by end address.
func (m *Map) Entries() []Entry {
	return m.entries
}

// Lookup returns the symbol whose range contains addr.
func (m *Map) Lookup(addr uint64) (string, error) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return addr < m.entries[i].End
	})
	if i >= len(m.entries) || addr < m.entries[i].Start {
		return "", ErrNoSymbolFound
	}
	return m.entries[i].Symbol, nil
}

func parseLine(b []byte) (Entry, error) {
	firstSpace := bytes.IndexByte(b, ' ')
	if firstSpace == -1 {
		return Entry{}, errors.New("invalid line")
	}

	secondSpace := bytes.IndexByte(b[firstSpace+1:], ' ')
	if secondSpace == -1 {
		return Entry{}, errors.New("invalid line")
	}

	addrBytes := b[:firstSpace]
	if len(addrBytes) >= 2 && addrBytes[0] == '0' && (addrBytes[1] == 'x' || addrBytes[1] == 'X') {
		addrBytes = addrBytes[2:]
	}

	sizeBytes := b[firstSpace+1 : firstSpace+1+secondSpace]
	symbolBytes := bytes.TrimRight(b[firstSpace+secondSpace+2:], "\r\n")
	if len(symbolBytes) == 0 {
		return Entry{}, errors.New("missing symbol")
	}

	start, err := parseHex(addrBytes)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing start: %w", err)
	}
	size, err := parseHex(sizeBytes)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing size: %w", err)
	}
	if start+size < start {
		return Entry{}, errors.New("overflowed mapping")
	}

	return Entry{
		Start:  start,
		End:    start + size,
		Symbol: string(symbolBytes),
	}, nil
}

func parseHex(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, errors.New("empty input")
	}
	if len(b) > 16 {
		return 0, errors.New("input too long")
	}

	var v uint64
	for _, c := range b {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint64(c-'A') + 10
		default:
			return 0, fmt.Errorf("invalid character %q", c)
		}
	}
	return v, nil
}
