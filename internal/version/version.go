package version

import "strings"

// Product is the display name used in banners.
const Product = "Refrain"

// These values are injected at build time via -ldflags.
var (
	Version = "0.2.0"
	Commit  = "none"
	Date    = "unknown"
)

// String returns the banner form, e.g. "Refrain v0.2.0".
func String() string {
	return Product + " v" + strings.TrimPrefix(strings.TrimSpace(Version), "v")
}

// Build returns compact build metadata.
func Build() string {
	parts := []string{}
	if value := strings.TrimSpace(Commit); value != "" {
		parts = append(parts, "commit="+value)
	}
	if value := strings.TrimSpace(Date); value != "" {
		parts = append(parts, "date="+value)
	}
	return strings.Join(parts, " ")
}
