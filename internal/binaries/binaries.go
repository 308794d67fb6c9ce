// Package binaries resolves logical binary names to verified, installed
// executables, fetching and upgrading them from a remote release index.
package binaries

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"
)

// Binary identifies one managed executable role.
type Binary int

const (
	// Node is the base node binary
	Node Binary = iota
	// Wallet is the console wallet binary
	Wallet
	// MergeMiningProxy is the merge-mining proxy binary
	MergeMiningProxy
	// P2pool is the peer-to-peer pool client binary
	P2pool
	// GpuMiner is the GPU miner binary
	GpuMiner
	// CpuMiner is the CPU miner binary
	CpuMiner
)

// All lists every managed binary in resolver processing order.
func All() []Binary {
	return []Binary{Node, Wallet, MergeMiningProxy, P2pool, GpuMiner, CpuMiner}
}

// String returns the canonical lowercase name used in manifest keys and
// install directory paths.
func (b Binary) String() string {
	switch b {
	case Node:
		return "minotari_node"
	case Wallet:
		return "minotari_console_wallet"
	case MergeMiningProxy:
		return "minotari_merge_mining_proxy"
	case P2pool:
		return "sha_p2pool"
	case GpuMiner:
		return "gpu_miner"
	case CpuMiner:
		return "cpu_miner"
	default:
		return fmt.Sprintf("binary(%d)", int(b))
	}
}

// ExeName returns the executable file name for the current platform.
func (b Binary) ExeName() string {
	if runtime.GOOS == "windows" {
		return b.String() + ".exe"
	}
	return b.String()
}

// Platform returns the os-arch key used to select a download asset.
func Platform() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// Asset describes a downloadable archive for one platform.
type Asset struct {
	// URL is the download location
	URL string `json:"url" yaml:"url"`
	// Archive is the archive format: tar.gz or zip
	Archive string `json:"archive" yaml:"archive"`
	// SHA256 is the hex-encoded checksum of the archive
	SHA256 string `json:"sha256" yaml:"sha256"`
}

// VersionInfo is the immutable description of one released version of a
// binary, as reported by the release index.
type VersionInfo struct {
	// Version is the semantic version
	Version *semver.Version `json:"-" yaml:"-"`
	// Assets maps platform keys (e.g. linux-amd64) to download assets
	Assets map[string]Asset `json:"assets" yaml:"assets"`
}

// AssetForCurrentPlatform selects the asset matching Platform().
func (v VersionInfo) AssetForCurrentPlatform() (Asset, bool) {
	a, ok := v.Assets[Platform()]
	return a, ok
}

// ResolvedBinary binds a Binary to the concrete installed path and the
// version that produced it. It is handed out by value; holders keep
// using their copy until they re-resolve.
type ResolvedBinary struct {
	// Binary is the logical name
	Binary Binary
	// Path is the absolute path to the installed executable
	Path string
	// Version is the installed version
	Version *semver.Version
}
