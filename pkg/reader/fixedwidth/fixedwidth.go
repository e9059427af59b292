// SPDX-License-Identifier: Apache-2.0

// Package fixedwidth is the fixed-width text reader: it reads
// ragged-right fixed-field lines from any of stdin, an inline block, a
// filesystem path, an HTTP URI, or a glob of paths.
package fixedwidth

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/pgbulk/pgbulk/internal/connstr"
	"github.com/pgbulk/pgbulk/pkg/pgerrors"
	"github.com/pgbulk/pgbulk/pkg/plog"
	"github.com/pgbulk/pgbulk/pkg/reader"
	"github.com/pgbulk/pgbulk/pkg/schema"
	"github.com/pgbulk/pgbulk/pkg/stats"
)

// Reader reads ragged-right fixed-width lines from one or more byte
// streams, slicing each line into fields per its FieldSpec list.
type Reader struct {
	Stream     connstr.ByteStreamKind
	Descriptor string
	Encoding   string
	Fields     []reader.FieldSpec
	SkipLines  int

	Label  string
	Stats  *stats.Stats
	Logger plog.Logger
}

// New builds a fixed-width Reader from a resolved source reference and
// load-spec config.
func New(ref connstr.SourceRef, cfg reader.Config) (*Reader, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = plog.NewNoop()
	}
	st := cfg.Stats
	if st == nil {
		st = stats.New()
	}
	return &Reader{
		Stream:     ref.Stream,
		Descriptor: ref.Descriptor,
		Encoding:   cfg.Encoding,
		Fields:     cfg.Fields,
		SkipLines:  cfg.SkipLines,
		Label:      cfg.Label,
		Stats:      st,
		Logger:     logger,
	}, nil
}

// MapRows implements reader.Reader.
func (r *Reader) MapRows(ctx context.Context, emit reader.EmitFunc) error {
	streams, err := r.openStreams(ctx)
	if err != nil {
		return err
	}

	var ordinal int64
	for _, open := range streams {
		rc, err := open()
		if err != nil {
			return err
		}
		err = r.mapStream(ctx, rc, emit, &ordinal)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

type openFunc func() (io.ReadCloser, error)

func (r *Reader) openStreams(ctx context.Context) ([]openFunc, error) {
	switch r.Stream {
	case connstr.StreamStdin:
		return []openFunc{func() (io.ReadCloser, error) { return io.NopCloser(os.Stdin), nil }}, nil
	case connstr.StreamInline:
		return []openFunc{func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(r.Descriptor))), nil
		}}, nil
	case connstr.StreamPath:
		return []openFunc{func() (io.ReadCloser, error) { return os.Open(r.Descriptor) }}, nil
	case connstr.StreamHTTP:
		return []openFunc{func() (io.ReadCloser, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Descriptor, nil)
			if err != nil {
				return nil, err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 300 {
				resp.Body.Close()
				return nil, fmt.Errorf("fetching %s: status %d", r.Descriptor, resp.StatusCode)
			}
			return resp.Body, nil
		}}, nil
	case connstr.StreamGlob:
		paths, err := filepath.Glob(r.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("expanding glob %q: %w", r.Descriptor, err)
		}
		sort.Strings(paths)
		if len(paths) == 0 {
			return nil, &pgerrors.NotFoundError{Table: r.Descriptor}
		}
		opens := make([]openFunc, len(paths))
		for i, p := range paths {
			p := p
			opens[i] = func() (io.ReadCloser, error) { return os.Open(p) }
		}
		return opens, nil
	default:
		return nil, fmt.Errorf("unsupported fixed-width stream kind %d", r.Stream)
	}
}

func (r *Reader) mapStream(ctx context.Context, rc io.Reader, emit reader.EmitFunc, ordinal *int64) error {
	decoded, err := r.decodeStream(rc)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= r.SkipLines {
			continue
		}

		line := scanner.Text()
		row := r.sliceRow(line)

		r.Stats.Incr(r.Label, stats.Read, 1)
		if err := emit(ctx, row); err != nil {
			if _, ok := err.(reader.Cancelled); ok {
				return nil
			}
			return err
		}
		*ordinal++
	}
	return scanner.Err()
}

// sliceRow implements the ragged-right field-slicing contract: a field
// whose start is beyond the line's length becomes NULL; a field that
// starts in-bounds but whose declared range runs past the line's end
// takes only the available suffix. Trailing pad spaces are stripped from
// every field, so a value narrower than its column arrives without the
// right-padding the fixed-width layout forces on it; a field that is all
// padding becomes the empty string, not NULL.
func (r *Reader) sliceRow(line string) schema.Row {
	row := make(schema.Row, len(r.Fields))
	for i, f := range r.Fields {
		if f.Start >= len(line) {
			row[i] = nil
			continue
		}
		end := f.Start + f.Length
		if end > len(line) {
			end = len(line)
		}
		v := strings.TrimRight(line[f.Start:end], " ")
		row[i] = &v
	}
	return row
}

func (r *Reader) decodeStream(rc io.Reader) (io.Reader, error) {
	if r.Encoding == "" || r.Encoding == "utf-8" || r.Encoding == "UTF-8" {
		return rc, nil
	}
	enc, err := ianaindex.IANA.Encoding(r.Encoding)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", r.Encoding, err)
	}
	var decoder transform.Transformer = encoding.Replacement.NewDecoder()
	if enc != nil {
		decoder = enc.NewDecoder()
	}
	return transform.NewReader(rc, decoder), nil
}
