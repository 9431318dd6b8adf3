package tormgr

import "os/exec"

// ResourceProvider delivers the tor executable path and any supporting
// resource files (geoip, geoip6) the Process Supervisor needs to launch
// tor. Binary extraction/installation is explicitly out of scope for
// this package (see the package doc's Scope section): a host
// application that bundles or downloads a tor binary implements this
// interface; tormgr only consumes what it returns.
type ResourceProvider interface {
	// TorBinaryPath returns the absolute path to the tor executable.
	TorBinaryPath() (string, error)
	// GeoIPFiles returns the (ipv4, ipv6) GeoIP database paths, or empty
	// strings if the host does not provide them. tor runs without
	// geo-location data when these are absent.
	GeoIPFiles() (geoIPv4, geoIPv6 string, err error)
}

// lookPathProvider is the default ResourceProvider: it assumes tor is
// already installed and resolvable via PATH, and provides no GeoIP
// files. Hosts that bundle their own tor binary should supply their own
// ResourceProvider instead of relying on this default.
type lookPathProvider struct {
	binary string
}

// NewLookPathResourceProvider returns a ResourceProvider that resolves
// binary (or "tor" if empty) via the host's PATH and supplies no GeoIP
// files.
func NewLookPathResourceProvider(binary string) ResourceProvider {
	if binary == "" {
		binary = "tor"
	}
	return lookPathProvider{binary: binary}
}

func (p lookPathProvider) TorBinaryPath() (string, error) {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return "", newError(ErrTorBinaryNotFound, "ResourceProvider", "tor binary not found in PATH: "+p.binary, err)
	}
	return path, nil
}

func (p lookPathProvider) GeoIPFiles() (string, string, error) {
	return "", "", nil
}
