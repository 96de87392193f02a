package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/quarry/internal/format"
	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/resultstore"
	"github.com/seantiz/quarry/internal/source"
)

// Strategy executes one kind of job. Execute must return promptly once ctx
// is cancelled.
type Strategy interface {
	Execute(ctx context.Context, job *model.Job) (*model.Result, error)
	// Discard releases output for a result whose COMPLETE write was rejected.
	Discard(ctx context.Context, result *model.Result) error
}

// QueryStrategy returns the rows inline as a JSON document.
type QueryStrategy struct {
	Source source.RowSource
	// MaxRows caps inline results. Zero means no cap.
	MaxRows int
}

func (s *QueryStrategy) Execute(ctx context.Context, job *model.Job) (*model.Result, error) {
	var buf bytes.Buffer
	n, err := writeRows(ctx, s.Source, job, format.JSON{}, &buf, s.MaxRows)
	if err != nil {
		return nil, err
	}
	return &model.Result{
		Body:          buf.String(),
		RecordCount:   n,
		ContentLength: int64(buf.Len()),
	}, nil
}

func (s *QueryStrategy) Discard(context.Context, *model.Result) error { return nil }

// ExportStrategy formats the rows and writes them to result storage.
type ExportStrategy struct {
	Source  source.RowSource
	Formats *format.Registry
	Results resultstore.Storage
}

// Execute buffers the whole document before the single storage write, so a
// cancelled export never leaves partial output behind.
func (s *ExportStrategy) Execute(ctx context.Context, job *model.Job) (*model.Result, error) {
	f, ok := s.Formats.Lookup(job.ResultType)
	if !ok {
		return nil, fmt.Errorf("no formatter for result type %q", job.ResultType)
	}

	var buf bytes.Buffer
	n, err := writeRows(ctx, s.Source, job, f, &buf, 0)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	ref, err := s.Results.Store(ctx, job.ID, f.Extension(), buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	return &model.Result{
		Ref:           ref,
		RecordCount:   n,
		ContentLength: int64(buf.Len()),
	}, nil
}

func (s *ExportStrategy) Discard(ctx context.Context, result *model.Result) error {
	if result == nil || result.Ref == "" {
		return nil
	}
	_, err := s.Results.Delete(ctx, result.Ref)
	return err
}

var errTooManyRows = errors.New("result exceeds row limit")

func writeRows(ctx context.Context, src source.RowSource, job *model.Job, f format.Formatter, buf *bytes.Buffer, maxRows int) (int, error) {
	rows, err := src.Query(ctx, job)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	w := format.NewWriter(f, buf)
	if err := w.Begin(rows.Columns()); err != nil {
		return 0, err
	}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return w.Count(), context.Cause(ctx)
		}
		if maxRows > 0 && w.Count() >= maxRows {
			return w.Count(), fmt.Errorf("%w (%d)", errTooManyRows, maxRows)
		}
		vals, err := rows.Values()
		if err != nil {
			return w.Count(), fmt.Errorf("read row %d: %w", w.Count(), err)
		}
		if err := w.Write(vals); err != nil {
			return w.Count(), err
		}
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return w.Count(), context.Cause(ctx)
		}
		return w.Count(), fmt.Errorf("iterate rows: %w", err)
	}
	if err := w.End(); err != nil {
		return w.Count(), err
	}
	return w.Count(), nil
}
