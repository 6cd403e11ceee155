package psinet

import (
	"fmt"

	"github.com/psinet-ops/psinet/pkg/types"
)

// LatestClientVersion returns the newest version number for a platform, or 0
func (n *Network) LatestClientVersion(p types.Platform) int {
	latest := 0
	for _, v := range n.ClientVersions[p] {
		if v.Version > latest {
			latest = v.Version
		}
	}
	return latest
}

// AddClientVersion records the next version for a platform. Every campaign
// building for that platform is rebuilt and hosts learn the new version.
func (n *Network) AddClientVersion(p types.Platform, description string) (*types.ClientVersion, error) {
	if err := n.assertLocked(); err != nil {
		return nil, err
	}
	platform, ok := types.ParsePlatform(string(p))
	if !ok {
		return nil, fmt.Errorf("%w: unknown platform %q", ErrValidation, p)
	}
	version := &types.ClientVersion{
		Version:     n.LatestClientVersion(platform) + 1,
		Description: description,
		CreatedAt:   n.Now(),
	}
	n.audit(version, "released for %s", platform)
	n.ClientVersions[platform] = append(n.ClientVersions[platform], version)
	n.markBuildsForPlatform(platform)
	n.DeployDataRequiredForAll = true
	return version, nil
}

// SetSpeedTestURLs replaces the list of speed test URLs handed to clients
func (n *Network) SetSpeedTestURLs(urls []string) error {
	if err := n.assertLocked(); err != nil {
		return err
	}
	n.SpeedTestURLs = append([]string(nil), urls...)
	n.DeployDataRequiredForAll = true
	return nil
}
