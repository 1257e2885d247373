// ABOUTME: Product and version constants
// ABOUTME: Shared by both command line tools and the metrics resource
package version

const (
	Version      = "0.1.0"
	Product      = "pcmstream"
	Manufacturer = "Resonate Protocol"
)

// String returns "pcmstream 0.1.0"
func String() string {
	return Product + " " + Version
}
