package git

import (
	"context"
	"fmt"
	"regexp"

	version "github.com/hashicorp/go-version"

	"github.com/schaermu/gitdrive/internal/shell"
)

// MinVersion is the oldest git release whose plumbing behaves the way the
// sync cycle expects.
const MinVersion = "2.23.0"

// MinTokenAuthVersion is the oldest git release that reads configuration
// from GIT_CONFIG_COUNT, which HTTPS token authentication relies on.
const MinTokenAuthVersion = "2.31.0"

var versionPattern = regexp.MustCompile(`\d+(\.\d+)+`)

// ParseVersion extracts the release number from `git --version` output such
// as "git version 2.39.2" or "git version 2.37.1 (Apple Git-137.1)".
func ParseVersion(output string) (*version.Version, error) {
	raw := versionPattern.FindString(output)
	if raw == "" {
		return nil, fmt.Errorf("no version number in %q", output)
	}
	return version.NewVersion(raw)
}

// RequiredVersion returns the oldest git release usable with the given
// authentication.
func RequiredVersion(httpsToken bool) string {
	if httpsToken {
		return MinTokenAuthVersion
	}
	return MinVersion
}

// CheckVersion verifies that git is installed and at least minimum.
func CheckVersion(ctx context.Context, sh shell.Runner, minimum string) (*version.Version, error) {
	out, err := sh.Run(ctx, "git --version")
	if err != nil {
		return nil, fmt.Errorf("git not available: %w", err)
	}
	v, err := ParseVersion(out)
	if err != nil {
		return nil, err
	}
	required, err := version.NewVersion(minimum)
	if err != nil {
		return nil, fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	if v.LessThan(required) {
		return v, fmt.Errorf("git %s is too old, need at least %s", v, required)
	}
	return v, nil
}
