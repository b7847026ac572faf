// Package scoring holds the pluggable per-term scoring strategies. An index
// generation is built for exactly one strategy and records its Descriptor,
// so the query processor and the build-time block maxima always agree.
//
// A term's contribution to a document is weight × Score(freq, docLen). Every
// strategy depends only on the posting and the document, never on
// shard-level statistics, so a document scores the same whichever shard it
// lands in.
package scoring

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
)

// Scorer scores one posting.
type Scorer interface {
	Name() string
	Score(freq, docLen uint32) float64
	Descriptor() Descriptor
}

// Descriptor is the persisted identity of a scorer.
type Descriptor struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params,omitempty"`
}

const (
	NameBM25  = "bm25"
	NameTF    = "tf"
	NameLogTF = "logtf"
)

// BM25 is the Okapi BM25 term-frequency saturation with a fixed reference
// document length. The IDF factor is not part of the per-posting score; it
// belongs in the query weight.
type BM25 struct {
	K1           float64
	B            float64
	AvgDocLength float64
}

func (s BM25) Name() string { return NameBM25 }

func (s BM25) Score(freq, docLen uint32) float64 {
	if freq == 0 {
		return 0
	}
	tf := float64(freq)
	lengthRatio := 1.0
	if s.AvgDocLength > 0 {
		lengthRatio = float64(docLen) / s.AvgDocLength
	}
	denominator := tf + s.K1*(1-s.B+s.B*lengthRatio)
	return (tf * (s.K1 + 1)) / denominator
}

func (s BM25) Descriptor() Descriptor {
	return Descriptor{Name: NameBM25, Params: map[string]float64{
		"k1": s.K1, "b": s.B, "avg_doc_length": s.AvgDocLength,
	}}
}

// TF scores a posting by its raw frequency.
type TF struct{}

func (TF) Name() string                 { return NameTF }
func (TF) Score(freq, _ uint32) float64 { return float64(freq) }
func (TF) Descriptor() Descriptor       { return Descriptor{Name: NameTF} }

// LogTF dampens frequency logarithmically: 1 + ln(freq).
type LogTF struct{}

func (LogTF) Name() string { return NameLogTF }

func (LogTF) Score(freq, _ uint32) float64 {
	if freq == 0 {
		return 0
	}
	return 1 + math.Log(float64(freq))
}

func (LogTF) Descriptor() Descriptor { return Descriptor{Name: NameLogTF} }

// FromDescriptor reconstructs the scorer an index was built with.
func FromDescriptor(d Descriptor) (Scorer, error) {
	switch d.Name {
	case NameBM25:
		s := BM25{K1: d.Params["k1"], B: d.Params["b"], AvgDocLength: d.Params["avg_doc_length"]}
		if err := s.validate(); err != nil {
			return nil, err
		}
		return s, nil
	case NameTF:
		return TF{}, nil
	case NameLogTF:
		return LogTF{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown scorer %q", apperrors.ErrInvalidInput, d.Name)
	}
}

// FromConfig builds the scorer an indexer should build for.
func FromConfig(cfg config.ScorerConfig) (Scorer, error) {
	switch cfg.Name {
	case "", NameBM25:
		s := BM25{K1: cfg.K1, B: cfg.B, AvgDocLength: cfg.AvgDocLength}
		if err := s.validate(); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return FromDescriptor(Descriptor{Name: cfg.Name})
	}
}

func (s BM25) validate() error {
	if !(s.K1 > 0) || s.B < 0 || s.B > 1 || !(s.AvgDocLength > 0) || math.IsInf(s.AvgDocLength, 0) {
		return fmt.Errorf("%w: bm25 parameters k1=%v b=%v avg_doc_length=%v",
			apperrors.ErrInvalidInput, s.K1, s.B, s.AvgDocLength)
	}
	return nil
}

// Marshal encodes a descriptor for the segment file.
func (d Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDescriptor decodes a descriptor read from a segment file.
func UnmarshalDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("%w: scorer descriptor: %v", apperrors.ErrCorruptIndex, err)
	}
	return d, nil
}

// IDF is the BM25 inverse document frequency. Callers that derive query
// weights from collection statistics use it; the index itself never does.
func IDF(totalDocs, docFreq int64) float64 {
	numerator := float64(totalDocs) - float64(docFreq)
	denominator := float64(docFreq) + 0.5
	return math.Log(numerator/denominator + 1)
}
