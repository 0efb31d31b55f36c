package jitdump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Dump is a parsed jitdump file.
type Dump struct {
	Header    Header
	CodeLoads []CodeLoad
	CodeMoves []CodeMove

	// Closed is set if the file ended with a close record.
	Closed bool
}

type parser struct {
	logger log.Logger
	buf    *bufio.Reader
	order  binary.ByteOrder
}

func newParser(logger log.Logger, rd io.Reader) (*parser, error) {
	p := &parser{
		logger: logger,
		buf:    bufio.NewReader(rd),
	}

	magic, err := p.buf.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read magic number: %w", err)
	}

	switch {
	case bytes.Equal(magic, []byte{'J', 'i', 'T', 'D'}):
		p.order = binary.BigEndian
	case bytes.Equal(magic, []byte{'D', 'T', 'i', 'J'}):
		p.order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("bad jitdump magic number %#x", magic)
	}

	return p, nil
}

func (p *parser) read(data any) error {
	return binary.Read(p.buf, p.order, data)
}

func (p *parser) skip(n int) error {
	if n <= 0 {
		return nil
	}
	_, err := p.buf.Discard(n)
	return err
}

func (p *parser) parseCodeLoad(prefix Prefix) (CodeLoad, error) {
	var fixed codeLoadFixed
	if err := p.read(&fixed); err != nil {
		return CodeLoad{}, fmt.Errorf("failed to read code load record: %w", err)
	}

	name, err := p.buf.ReadString(0)
	if err != nil {
		return CodeLoad{}, fmt.Errorf("failed to read code load name: %w", err)
	}

	jr := CodeLoad{
		Prefix:    prefix,
		PID:       fixed.PID,
		TID:       fixed.TID,
		VMA:       fixed.VMA,
		CodeAddr:  fixed.CodeAddr,
		CodeSize:  fixed.CodeSize,
		CodeIndex: fixed.CodeIndex,
		Name:      name[:len(name)-1],
		Code:      make([]byte, fixed.CodeSize),
	}
	if _, err := io.ReadFull(p.buf, jr.Code); err != nil {
		return CodeLoad{}, fmt.Errorf("failed to read code load code: %w", err)
	}

	read := prefixSize + codeLoadFixedSize + len(name) + len(jr.Code)
	if err := p.skip(int(prefix.TotalSize) - read); err != nil {
		return CodeLoad{}, fmt.Errorf("failed to skip code load padding: %w", err)
	}
	return jr, nil
}

func (p *parser) parseCodeMove(prefix Prefix) (CodeMove, error) {
	jr := CodeMove{Prefix: prefix}
	fields := []any{&jr.PID, &jr.TID, &jr.VMA, &jr.OldCodeAddr, &jr.NewCodeAddr, &jr.CodeSize, &jr.CodeIndex}
	for _, f := range fields {
		if err := p.read(f); err != nil {
			return CodeMove{}, fmt.Errorf("failed to read code move record: %w", err)
		}
	}
	return jr, nil
}

func (p *parser) parse() (*Dump, error) {
	dump := &Dump{}
	if err := p.read(&dump.Header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if dump.Header.Version > Version {
		return nil, fmt.Errorf("unsupported jitdump version %d", dump.Header.Version)
	}
	if err := p.skip(int(dump.Header.TotalSize) - headerSize); err != nil {
		return nil, fmt.Errorf("failed to skip header padding: %w", err)
	}

	for {
		var prefix Prefix
		if err := p.read(&prefix); errors.Is(err, io.EOF) {
			return dump, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read record prefix: %w", err)
		}

		switch prefix.ID {
		case RecordCodeLoad:
			jr, err := p.parseCodeLoad(prefix)
			if err != nil {
				return nil, err
			}
			dump.CodeLoads = append(dump.CodeLoads, jr)
		case RecordCodeMove:
			jr, err := p.parseCodeMove(prefix)
			if err != nil {
				return nil, err
			}
			dump.CodeMoves = append(dump.CodeMoves, jr)
		case RecordCodeClose:
			dump.Closed = true
			return dump, nil
		default:
			level.Debug(p.logger).Log("msg", "skipping jitdump record", "id", prefix.ID, "size", prefix.TotalSize)
			if err := p.skip(int(prefix.TotalSize) - prefixSize); err != nil {
				return nil, fmt.Errorf("failed to skip record: %w", err)
			}
		}
	}
}

// Load parses a jitdump file.
func Load(logger log.Logger, rd io.Reader) (*Dump, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	p, err := newParser(logger, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jitdump: %w", err)
	}

	dump, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("failed to parse jitdump: %w", err)
	}
	return dump, nil
}
