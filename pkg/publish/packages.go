package publish

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/types"
)

// BuildUpgradePackage wraps a client binary as the gzip of its signed
// authenticated data
func BuildUpgradePackage(binary []byte, kp *types.KeyPair) ([]byte, error) {
	signed, err := security.SignAuthenticatedData(kp, binary)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upgrade package: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(signed); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OpenUpgradePackage reverses BuildUpgradePackage, verifying the signature
func OpenUpgradePackage(pkg []byte, publicKey []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(pkg))
	if err != nil {
		return nil, fmt.Errorf("upgrade package is not gzip: %w", err)
	}
	defer zr.Close()
	signed, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return security.VerifyAuthenticatedData(publicKey, signed)
}

// BuildRemoteServerList signs newline-separated encoded server entries
func BuildRemoteServerList(entries []string, kp *types.KeyPair) ([]byte, error) {
	signed, err := security.SignAuthenticatedData(kp, []byte(strings.Join(entries, "\n")))
	if err != nil {
		return nil, fmt.Errorf("failed to sign remote server list: %w", err)
	}
	return signed, nil
}

// RouteSuffix marks per-region route files
const RouteSuffix = ".route"

// SignRoutes signs every <REGION>.route file in dir. The result maps the
// object key routes/<REGION>.route to its signed contents.
func SignRoutes(dir string, kp *types.KeyPair) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), RouteSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		signed, err := security.SignAuthenticatedData(kp, data)
		if err != nil {
			return nil, fmt.Errorf("failed to sign %s: %w", name, err)
		}
		region := strings.ToUpper(strings.TrimSuffix(name, RouteSuffix))
		out["routes/"+region+RouteSuffix] = signed
	}
	return out, nil
}
