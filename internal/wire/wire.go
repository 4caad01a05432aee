// Package wire encodes prediction requests and results for transport: flat
// float64 tensors ride as Arrow list columns (or raw CBOR arrays), shapes
// and structure flags as a CBOR document.
package wire

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-windage/internal/posterior"
	"github.com/23skdu/longbow-windage/internal/tensor"
)

// MetadataKey is the schema-metadata key carrying the CBOR options document
// on Arrow-encoded batches.
const MetadataKey = "windage_options"

// Tensor column names, request and response.
const (
	ColKmn      = "kmn"
	ColKmm      = "kmm"
	ColKnn      = "knn"
	ColF        = "f"
	ColQSqrt    = "q_sqrt"
	ColMean     = "mean"
	ColVariance = "variance"
	ColSample   = "sample"
)

// Options is the CBOR document describing a request's structure: which
// conditional variant to run, the flag quartet, and every tensor's shape.
type Options struct {
	Variant       string           `cbor:"variant"`
	FullCov       bool             `cbor:"full_cov"`
	FullOutputCov bool             `cbor:"full_output_cov"`
	White         bool             `cbor:"white"`
	Sample        bool             `cbor:"sample,omitempty"`
	Shapes        map[string][]int `cbor:"shapes"`
}

// Envelope is the plain-CBOR request form used by the HTTP endpoint:
// options plus the flattened tensors themselves.
type Envelope struct {
	Options
	Tensors map[string][]float64 `cbor:"tensors"`
}

// ResultEnvelope is the plain-CBOR response form.
type ResultEnvelope struct {
	Shapes  map[string][]int     `cbor:"shapes"`
	Tensors map[string][]float64 `cbor:"tensors"`
}

// ToRequest validates the envelope and builds the posterior request.
func (e *Envelope) ToRequest() (*posterior.Request, error) {
	variant, err := posterior.ParseVariant(e.Variant)
	if err != nil {
		return nil, err
	}
	req := &posterior.Request{
		Variant:       variant,
		FullCov:       e.FullCov,
		FullOutputCov: e.FullOutputCov,
		White:         e.White,
		Sample:        e.Sample,
	}
	for _, c := range []struct {
		name     string
		dst      **tensor.Dense
		required bool
	}{
		{ColKmn, &req.Kmn, true},
		{ColKmm, &req.Kmm, true},
		{ColKnn, &req.Knn, true},
		{ColF, &req.F, true},
		{ColQSqrt, &req.QSqrt, false},
	} {
		t, err := e.tensor(c.name, c.required)
		if err != nil {
			return nil, err
		}
		*c.dst = t
	}
	return req, nil
}

func (e *Envelope) tensor(name string, required bool) (*tensor.Dense, error) {
	data, ok := e.Tensors[name]
	if !ok {
		if required {
			return nil, fmt.Errorf("wire: missing tensor %q", name)
		}
		return nil, nil
	}
	shape, ok := e.Shapes[name]
	if !ok {
		return nil, fmt.Errorf("wire: missing shape for tensor %q", name)
	}
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		return nil, fmt.Errorf("wire: tensor %q has %d values, shape %v wants %d", name, len(data), shape, size)
	}
	return tensor.FromSlice(data, shape...), nil
}

// EnvelopeFromRequest builds the plain-CBOR form of a request.
func EnvelopeFromRequest(req *posterior.Request) *Envelope {
	e := &Envelope{
		Options: Options{
			Variant:       req.Variant.String(),
			FullCov:       req.FullCov,
			FullOutputCov: req.FullOutputCov,
			White:         req.White,
			Sample:        req.Sample,
			Shapes:        make(map[string][]int),
		},
		Tensors: make(map[string][]float64),
	}
	for _, c := range []struct {
		name string
		t    *tensor.Dense
	}{
		{ColKmn, req.Kmn}, {ColKmm, req.Kmm}, {ColKnn, req.Knn}, {ColF, req.F}, {ColQSqrt, req.QSqrt},
	} {
		if c.t == nil {
			continue
		}
		e.Shapes[c.name] = c.t.Shape()
		e.Tensors[c.name] = c.t.Data()
	}
	return e
}

// ResultToEnvelope builds the plain-CBOR form of a result.
func ResultToEnvelope(res *posterior.Result) *ResultEnvelope {
	e := &ResultEnvelope{
		Shapes:  make(map[string][]int),
		Tensors: make(map[string][]float64),
	}
	for _, c := range []struct {
		name string
		t    *tensor.Dense
	}{
		{ColMean, res.Mean}, {ColVariance, res.Variance}, {ColSample, res.Sample},
	} {
		if c.t == nil {
			continue
		}
		e.Shapes[c.name] = c.t.Shape()
		e.Tensors[c.name] = c.t.Data()
	}
	return e
}

// Tensor extracts a named tensor from the envelope, or nil if absent.
func (e *ResultEnvelope) Tensor(name string) (*tensor.Dense, error) {
	data, ok := e.Tensors[name]
	if !ok {
		return nil, nil
	}
	shape, ok := e.Shapes[name]
	if !ok {
		return nil, fmt.Errorf("wire: missing shape for tensor %q", name)
	}
	return tensor.FromSlice(data, shape...), nil
}

// EncodeRequest builds a one-row Arrow record: one List<Float64> column per
// tensor, options CBOR in the schema metadata.
func EncodeRequest(mem memory.Allocator, req *posterior.Request) (arrow.Record, error) {
	env := EnvelopeFromRequest(req)
	return encodeColumns(mem, env.Options, []namedTensor{
		{ColKmn, req.Kmn}, {ColKmm, req.Kmm}, {ColKnn, req.Knn}, {ColF, req.F}, {ColQSqrt, req.QSqrt},
	})
}

// EncodeResult builds a one-row Arrow record for a computed posterior.
func EncodeResult(mem memory.Allocator, res *posterior.Result) (arrow.Record, error) {
	env := ResultToEnvelope(res)
	opts := Options{Shapes: env.Shapes}
	return encodeColumns(mem, opts, []namedTensor{
		{ColMean, res.Mean}, {ColVariance, res.Variance}, {ColSample, res.Sample},
	})
}

type namedTensor struct {
	name string
	t    *tensor.Dense
}

func encodeColumns(mem memory.Allocator, opts Options, tensors []namedTensor) (arrow.Record, error) {
	if opts.Shapes == nil {
		opts.Shapes = make(map[string][]int)
		for _, nt := range tensors {
			if nt.t != nil {
				opts.Shapes[nt.name] = nt.t.Shape()
			}
		}
	}
	doc, err := cbor.Marshal(&opts)
	if err != nil {
		return nil, err
	}

	fields := make([]arrow.Field, 0, len(tensors))
	cols := make([]arrow.Array, 0, len(tensors))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, nt := range tensors {
		fields = append(fields, arrow.Field{
			Name:     nt.name,
			Type:     arrow.ListOf(arrow.PrimitiveTypes.Float64),
			Nullable: true,
		})

		lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float64)
		if nt.t == nil {
			lb.AppendNull()
		} else {
			lb.Append(true)
			lb.ValueBuilder().(*array.Float64Builder).AppendValues(nt.t.Data(), nil)
		}
		cols = append(cols, lb.NewArray())
		lb.Release()
	}

	md := arrow.NewMetadata([]string{MetadataKey}, []string{string(doc)})
	schema := arrow.NewSchema(fields, &md)
	rec := array.NewRecord(schema, cols, 1)
	return rec, nil
}

// DecodeRequest reads a one-row request record produced by EncodeRequest.
func DecodeRequest(rec arrow.Record) (*posterior.Request, error) {
	opts, tensors, err := decodeColumns(rec)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Options: *opts, Tensors: tensors}
	return env.ToRequest()
}

// DecodeResult reads a one-row result record produced by EncodeResult.
func DecodeResult(rec arrow.Record) (*posterior.Result, error) {
	opts, tensors, err := decodeColumns(rec)
	if err != nil {
		return nil, err
	}
	env := &ResultEnvelope{Shapes: opts.Shapes, Tensors: tensors}
	res := &posterior.Result{}
	if res.Mean, err = env.Tensor(ColMean); err != nil {
		return nil, err
	}
	if res.Variance, err = env.Tensor(ColVariance); err != nil {
		return nil, err
	}
	if res.Sample, err = env.Tensor(ColSample); err != nil {
		return nil, err
	}
	return res, nil
}

func decodeColumns(rec arrow.Record) (*Options, map[string][]float64, error) {
	md := rec.Schema().Metadata()
	idx := md.FindKey(MetadataKey)
	if idx < 0 {
		return nil, nil, fmt.Errorf("wire: record has no %s metadata", MetadataKey)
	}
	var opts Options
	if err := cbor.Unmarshal([]byte(md.Values()[idx]), &opts); err != nil {
		return nil, nil, fmt.Errorf("wire: bad options document: %w", err)
	}
	if rec.NumRows() != 1 {
		return nil, nil, fmt.Errorf("wire: expected 1 row, got %d", rec.NumRows())
	}

	tensors := make(map[string][]float64)
	for i := 0; i < int(rec.NumCols()); i++ {
		col, ok := rec.Column(i).(*array.List)
		if !ok {
			return nil, nil, fmt.Errorf("wire: column %q is not a list", rec.ColumnName(i))
		}
		if col.IsNull(0) {
			continue
		}
		start, end := col.ValueOffsets(0)
		values := col.ListValues().(*array.Float64).Float64Values()[start:end]

		// Copy out of the Arrow buffer: the record may be released before
		// the tensors are consumed.
		data := make([]float64, len(values))
		copy(data, values)
		tensors[rec.ColumnName(i)] = data
	}
	return &opts, tensors, nil
}
