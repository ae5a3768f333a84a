// Package identity works out which subscriber sits behind a CPE.
//
// Firmware populates the PPPoE username inconsistently, so the resolver walks a
// fixed chain: the username reported by the device, the ACS virtual parameter,
// a secondary registry whose comments mention the device, and finally an
// identity tag. When every step fails the Unknown sentinel is returned.
package identity

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/paramtree"
)

// Unknown is the display value used when no identity could be resolved
const Unknown = "Unknown"

// DefaultTagPrefix marks a device tag carrying the PPPoE username
const DefaultTagPrefix = "pppoe:"

// Identity is a resolved username and the step that produced it
type Identity struct {
	Username string                `json:"username"`
	Source   models.IdentitySource `json:"source"`
}

// Resolver resolves subscriber identities for devices
type Resolver struct {
	tagPrefix string
	logger    zerolog.Logger
}

// NewResolver creates a resolver. An empty prefix selects DefaultTagPrefix.
func NewResolver(tagPrefix string) *Resolver {
	if tagPrefix == "" {
		tagPrefix = DefaultTagPrefix
	}
	return &Resolver{
		tagPrefix: tagPrefix,
		logger:    log.With().Str("component", "identity").Logger(),
	}
}

// Resolve returns the best-effort username for the device. The registry is only
// read, and may be nil.
func (r *Resolver) Resolve(tree paramtree.Tree, registry []models.RegistryEntry) Identity {
	shortID := ShortID(tree.ID())

	if username, _, ok := tree.LookupString(paramtree.UsernamePaths...); ok {
		return r.found(shortID, username, models.IdentityFromDevice)
	}

	if username, _, ok := tree.LookupString(paramtree.VirtualUsernamePaths...); ok {
		return r.found(shortID, username, models.IdentityFromVirtual)
	}

	serial, _, _ := tree.LookupString(paramtree.SerialPaths...)
	if entry, ok := MatchRegistry(registry, serial, shortID); ok {
		return r.found(shortID, entry.Name, models.IdentityFromRegistry)
	}

	tags := tree.Tags()
	if username, ok := r.fromTags(tags); ok {
		return r.found(shortID, username, models.IdentityFromTag)
	}

	r.logger.Debug().
		Str("device", shortID).
		Strs("tags", tags).
		Msg("No PPPoE username found for device")

	return Identity{Username: Unknown, Source: models.IdentityUnknown}
}

func (r *Resolver) found(shortID, username string, source models.IdentitySource) Identity {
	r.logger.Debug().
		Str("device", shortID).
		Str("username", username).
		Str("source", string(source)).
		Msg("Resolved PPPoE username")
	return Identity{Username: username, Source: source}
}

func (r *Resolver) fromTags(tags []string) (string, bool) {
	for _, tag := range tags {
		if strings.HasPrefix(tag, r.tagPrefix) {
			if username := strings.TrimPrefix(tag, r.tagPrefix); username != "" {
				return username, true
			}
		}
	}
	return "", false
}

// MatchRegistry returns the first entry whose comment mentions one of the
// needles. Empty needles never match.
func MatchRegistry(registry []models.RegistryEntry, needles ...string) (models.RegistryEntry, bool) {
	for _, entry := range registry {
		if entry.Comment == "" || entry.Name == "" {
			continue
		}
		for _, needle := range needles {
			if needle != "" && strings.Contains(entry.Comment, needle) {
				return entry, true
			}
		}
	}
	return models.RegistryEntry{}, false
}

// ShortID returns the vendor-specific suffix of an ACS device id
// (OUI-ProductClass-Serial), or the id itself when it has no such segment.
func ShortID(deviceID string) string {
	parts := strings.Split(deviceID, "-")
	if len(parts) >= 3 && parts[2] != "" {
		return parts[2]
	}
	return deviceID
}

// SerialNumber returns the serial reported in the parameter tree, falling back
// to the short device id.
func SerialNumber(tree paramtree.Tree) string {
	if serial, _, ok := tree.LookupString(paramtree.SerialPaths...); ok {
		return serial
	}
	if id := tree.ID(); id != "" {
		return ShortID(id)
	}
	return Unknown
}
