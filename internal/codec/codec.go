// Package codec exports trusted server lists in the formats downstream
// consumers ingest.
package codec

import (
	"fmt"
	"io"

	"inferwatch/internal/domain"
)

// Exporter writes a trusted server list in one output format
type Exporter interface {
	Export(servers []domain.TrustedServer, w io.Writer) error
	Format() string
}

// ForFormat returns the exporter for the given format identifier
func ForFormat(format string) (Exporter, error) {
	switch format {
	case "json":
		return &JSONCodec{}, nil
	case "yaml":
		return &YAMLCodec{}, nil
	case "text":
		return &TextCodec{}, nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}
