// ABOUTME: Version and product identity for chanrelay binaries
// ABOUTME: Reported over HTTP, mDNS TXT records and the TUIs
package version

const (
	// Version is the release version
	Version = "0.3.0"

	// Product is the product name shown to operators and listeners
	Product = "chanrelay"

	// Manufacturer identifies who ships the binaries
	Manufacturer = "Resonate Protocol"
)

// String returns "product/version"
func String() string {
	return Product + "/" + Version
}
