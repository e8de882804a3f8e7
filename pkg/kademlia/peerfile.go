package kademlia

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zde37/kadnet/pkg"
)

const peerFileTemplate = `# Bootstrap peers for kadnet.
# One base64 encoded transport address per line, for example
#   MTI3LjAuMC4xOjc0NDA=
# which is 127.0.0.1:7440. Lines starting with # are ignored.
`

// ReadPeerFile returns the addresses listed in the peer file at path,
// skipping local. A missing file is replaced by a commented template and
// yields no peers.
func ReadPeerFile(path, local string, logger *pkg.Logger) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info().Str("path", path).Msg("Peer file not found, creating template")
		if err := createPeerFile(path); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open peer file: %w", err)
	}
	defer f.Close()

	return parsePeers(f, local, logger)
}

func parsePeers(r io.Reader, local string, logger *pkg.Logger) ([]string, error) {
	var (
		peers []string
		seen  = make(map[string]struct{})
		line  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(text)
		if err != nil || len(raw) == 0 {
			logger.Warn().
				Int("line", line).
				Str("entry", text).
				Msg("Skipping malformed peer file entry")
			continue
		}

		addr := string(raw)
		if addr == local {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		peers = append(peers, addr)
	}
	if err := scanner.Err(); err != nil {
		return peers, fmt.Errorf("failed to read peer file: %w", err)
	}
	return peers, nil
}

// WritePeerFile replaces the peer file at path with addresses.
func WritePeerFile(path string, addresses []string) error {
	var sb strings.Builder
	sb.WriteString(peerFileTemplate)
	for _, a := range addresses {
		sb.WriteString(base64.StdEncoding.EncodeToString([]byte(a)))
		sb.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write peer file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace peer file: %w", err)
	}
	return nil
}

func createPeerFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create peer file directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(peerFileTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to create peer file: %w", err)
	}
	return nil
}
