// Package codec moves engine data in and out of files and storage: fragment
// imports, report and signature exports, and payload compression.
package codec

import (
	"fmt"
	"io"

	"umbra/internal/domain"
)

// Bundle is the document exchanged by importers and exporters
type Bundle struct {
	Fragments  []domain.MemoryFragment        `json:"fragments,omitempty" yaml:"fragments,omitempty"`
	Reports    []domain.DreamReport           `json:"reports,omitempty" yaml:"reports,omitempty"`
	Signatures []domain.SurveillanceSignature `json:"signatures,omitempty" yaml:"signatures,omitempty"`
}

// Importer interface for importing data from various formats
type Importer interface {
	Parse(r io.Reader) (*Bundle, error)
	Format() string
}

// Exporter interface for exporting data to various formats
type Exporter interface {
	Export(b *Bundle, w io.Writer) error
	Format() string
}

// Codec both imports and exports
type Codec interface {
	Importer
	Exporter
}

// ForFormat returns the codec registered for a format name
func ForFormat(format string) (Codec, error) {
	switch format {
	case "json", "":
		return NewJSONCodec(), nil
	case "yaml", "yml":
		return NewYAMLCodec(), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}
