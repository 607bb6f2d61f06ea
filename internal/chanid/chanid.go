// Package chanid implements channel identifier resolution and the
// composite (multi-channel) encoding: spec.md §3 ("Channel") and §4.7
// ("Channel ID Resolution").
package chanid

import (
	"strings"

	"github.com/odin-ws/broker/internal/brokererr"
)

// Sep is the single reserved byte delimiting components of a multi-
// channel ID. 0xFF cannot appear in a valid UTF-8 channel name, matching
// NCHAN_MULTI_SEP_CHR in the original module.
const Sep = byte(0xFF)

// MultiPrefix is the literal prefix of every composite channel ID.
const MultiPrefix = "m/"

// Role distinguishes which side of a location's configuration a channel
// ID is being resolved for.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
	RoleCommon
)

// Mode selects the two configuration shapes spec.md §4.7 describes.
type Mode int

const (
	ModeModern Mode = iota
	ModeLegacy
)

// Config is the per-location channel-ID resolution configuration.
type Config struct {
	Mode Mode

	// Modern mode: ordered template lists, evaluated in order; the
	// first non-empty result is used, and it is an error if that result
	// exceeds the length limit.
	PublisherTemplates  []string
	SubscriberTemplates []string
	CommonTemplates     []string

	// Legacy mode: a single named variable.
	LegacyVariable string

	// SplitDelimiter, if non-empty, splits a single evaluated template
	// result into multiple sub-channel IDs.
	SplitDelimiter string

	Group              string
	MaxChannelIDLength int
}

// Resolver evaluates a named template (or legacy variable) against
// whatever request state the caller holds. Template evaluation itself —
// nginx "complex value" style variable interpolation — is the embedding
// server's concern (§1 Out of scope); chanid only defines what happens
// to the resulting strings.
type Resolver func(name string) (string, bool)

// ID is a resolved channel identifier: one or more "group/id" components.
type ID struct {
	raw        string
	components []string
}

// String returns the wire form: "g/a" for a single channel, or
// "m/<SEP>g/a<SEP>g/b<SEP>" for a composite.
func (id ID) String() string { return id.raw }

// IsMulti reports whether id encodes more than one component channel.
func (id ID) IsMulti() bool { return len(id.components) > 1 }

// Components returns the ordered "group/id" sub-channel identifiers.
func (id ID) Components() []string { return id.components }

// Build constructs an ID from already-group-prefixed components,
// matching nchan_process_multi_channel_id's output assembly.
func Build(components []string) ID {
	if len(components) == 1 {
		return ID{raw: components[0], components: components}
	}
	var b strings.Builder
	b.WriteString(MultiPrefix)
	b.WriteByte(Sep)
	for _, c := range components {
		b.WriteString(c)
		b.WriteByte(Sep)
	}
	return ID{raw: b.String(), components: append([]string(nil), components...)}
}

// Parse decodes a wire-form channel ID back into its components. Single
// IDs parse to a one-element component slice.
func Parse(s string) (ID, error) {
	if !strings.HasPrefix(s, MultiPrefix) {
		return ID{raw: s, components: []string{s}}, nil
	}
	rest := s[len(MultiPrefix):]
	if len(rest) == 0 || rest[0] != Sep {
		return ID{}, brokererr.New(brokererr.BadChannelID, "malformed multi-channel id: missing leading separator")
	}
	rest = rest[1:]
	parts := strings.Split(rest, string(Sep))
	// Split leaves a trailing empty component after the final SEP.
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return ID{}, brokererr.New(brokererr.BadChannelID, "malformed multi-channel id: no components")
	}
	return ID{raw: s, components: parts}, nil
}

// Resolve implements spec.md §4.7: evaluate the configured templates (or
// legacy variable) for the given role, group-prefix and optionally split
// each result, and assemble the final ID.
//
// Failure kinds returned via brokererr: AllocFailure is not reachable
// from Go (no manual allocation to fail) and is omitted; BadChannelID
// (too long) and NoChannelID (legacy variable missing / no template
// matched) are returned as brokererr.Error so callers can map them to
// HTTP status per spec.md §7.
func Resolve(cfg Config, role Role, resolve Resolver) (ID, error) {
	if cfg.Mode == ModeLegacy {
		v, ok := resolve(cfg.LegacyVariable)
		if !ok || v == "" {
			return ID{}, brokererr.New(brokererr.NoChannelID, "legacy channel id variable %q is not set", cfg.LegacyVariable)
		}
		return buildFromOne(cfg, v)
	}

	templates := cfg.templatesFor(role)
	for _, tmpl := range templates {
		v, ok := resolve(tmpl)
		if !ok || v == "" {
			continue
		}
		return buildFromOne(cfg, v)
	}
	return ID{}, brokererr.New(brokererr.NoChannelID, "no channel id template produced a value")
}

func (cfg Config) templatesFor(role Role) []string {
	switch role {
	case RolePublisher:
		return firstNonEmpty(cfg.PublisherTemplates, cfg.CommonTemplates)
	case RoleSubscriber:
		return firstNonEmpty(cfg.SubscriberTemplates, cfg.CommonTemplates)
	default:
		return cfg.CommonTemplates
	}
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func buildFromOne(cfg Config, evaluated string) (ID, error) {
	var subIDs []string
	if cfg.SplitDelimiter != "" {
		subIDs = strings.Split(evaluated, cfg.SplitDelimiter)
	} else {
		subIDs = []string{evaluated}
	}

	components := make([]string, 0, len(subIDs))
	for _, sub := range subIDs {
		if sub == "" {
			continue
		}
		if cfg.MaxChannelIDLength > 0 && len(sub) > cfg.MaxChannelIDLength {
			return ID{}, brokererr.New(brokererr.BadChannelID,
				"channel id %q is too long: max %d, got %d", sub, cfg.MaxChannelIDLength, len(sub))
		}
		components = append(components, cfg.Group+"/"+sub)
	}
	if len(components) == 0 {
		return ID{}, brokererr.New(brokererr.NoChannelID, "channel id template evaluated to no components")
	}
	return Build(components), nil
}
