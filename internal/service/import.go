package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"inferwatch/internal/repository"
)

// DefaultProbePort is assumed for candidate lines that carry no port
const DefaultProbePort = 11434

// ImportResult summarizes one candidate list ingestion
type ImportResult struct {
	Added   int
	Known   int
	Skipped int
}

// ImportService ingests candidate endpoint lists produced by upstream
// discovery tooling. Accepted line forms: "ip:port", bare "ip" (default
// port), and masscan list output ("open tcp PORT IP TIMESTAMP"). Imported
// endpoints start unverified; nothing is trusted by being listed.
type ImportService struct {
	store repository.Store
}

// NewImportService returns an import service over the given store
func NewImportService(store repository.Store) *ImportService {
	return &ImportService{store: store}
}

// Import reads candidate lines from r and upserts each as an unverified
// endpoint. Lines that do not parse are counted and logged, not fatal.
func (s *ImportService) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var result ImportResult
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		address, port, ok := parseCandidate(line)
		if !ok {
			log.Printf("import: line %d unparseable, skipping: %q", lineno, line)
			result.Skipped++
			continue
		}

		existing, err := s.store.GetEndpointByAddr(ctx, address, port)
		if err != nil {
			return result, fmt.Errorf("look up %s:%d: %w", address, port, err)
		}
		if existing != nil {
			result.Known++
			continue
		}
		if _, err := s.store.UpsertEndpoint(ctx, address, port); err != nil {
			return result, fmt.Errorf("import %s:%d: %w", address, port, err)
		}
		result.Added++
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read candidate list: %w", err)
	}

	log.Printf("import: %d added, %d already known, %d skipped", result.Added, result.Known, result.Skipped)
	return result, nil
}

// parseCandidate extracts (address, port) from one candidate line
func parseCandidate(line string) (string, int, bool) {
	// masscan list output: "open tcp PORT IP TIMESTAMP"
	if strings.HasPrefix(line, "open ") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return "", 0, false
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil || port < 1 || port > 65535 {
			return "", 0, false
		}
		if net.ParseIP(fields[3]) == nil {
			return "", 0, false
		}
		return fields[3], port, true
	}

	if host, portStr, err := net.SplitHostPort(line); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, false
		}
		if net.ParseIP(host) == nil {
			return "", 0, false
		}
		return host, port, true
	}

	if net.ParseIP(line) != nil {
		return line, DefaultProbePort, true
	}
	return "", 0, false
}
