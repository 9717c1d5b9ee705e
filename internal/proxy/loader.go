package proxy

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/leadharvest/bizcrawl/internal/domain"
)

// proxyLineFields is the expected field count of host:port:user:pass lines.
const proxyLineFields = 4

// LoadFile reads a line-oriented proxy list. Each line is host:port:user:pass;
// blank lines and #-prefixed comments are ignored.
func LoadFile(path string) ([]*domain.ProxyInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	var proxies []*domain.ProxyInfo
	scanner := bufio.NewScanner(f)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		proxy, parseErr := parseLine(line)
		if parseErr != nil {
			return nil, fmt.Errorf("proxy file line %d: %w", lineNo, parseErr)
		}
		proxies = append(proxies, proxy)
	}

	if scanErr := scanner.Err(); scanErr != nil {
		return nil, fmt.Errorf("failed to read proxy file: %w", scanErr)
	}

	return proxies, nil
}

// parseLine parses one host:port:user:pass entry.
func parseLine(line string) (*domain.ProxyInfo, error) {
	parts := strings.Split(line, ":")
	if len(parts) != proxyLineFields {
		return nil, fmt.Errorf("expected host:port:user:pass, got %d fields", len(parts))
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", parts[1], err)
	}

	return &domain.ProxyInfo{
		Host:     parts[0],
		Port:     port,
		Username: parts[2],
		Password: parts[3],
	}, nil
}

// ValidateCount checks that the pool is large enough for the planned worker
// count. Workers each hold their own session, so the pool must cover
// workers x proxiesPerWorker.
func ValidateCount(proxies []*domain.ProxyInfo, workers, proxiesPerWorker int) error {
	required := workers * proxiesPerWorker
	if len(proxies) < required {
		return fmt.Errorf("proxy pool has %d entries, need %d (%d workers x %d per worker)",
			len(proxies), required, workers, proxiesPerWorker)
	}
	return nil
}
