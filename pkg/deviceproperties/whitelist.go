package deviceproperties

import (
	"slices"
	"strings"
)

const (
	tagsEntryPrefix     = "tags."
	reportedEntryPrefix = "reported."
	wildcardSuffix      = "*"
)

// Whitelist is the parsed form of the configured property whitelist.
type Whitelist struct {
	Tags             []string // exact tag names
	Reported         []string // exact reported property names
	TagPrefixes      []string // tag name prefixes from wildcard entries
	ReportedPrefixes []string // reported property name prefixes from wildcard entries
}

// ParseWhitelist parses a comma separated whitelist such as
// "tags.*, reported.Protocol, reported.Firmware*".
//
// The "tags." and "reported." entry prefixes match case-insensitively; the remainder keeps
// its case. A trailing "*" turns the remainder into a prefix, "tags.*" matching every tag.
// Entries with any other prefix are ignored. All four sets come back sorted and deduplicated.
func ParseWhitelist(raw string) Whitelist {
	var wl Whitelist

	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		lower := strings.ToLower(entry)

		var exact, prefixes *[]string

		switch {
		case strings.HasPrefix(lower, tagsEntryPrefix):
			entry = entry[len(tagsEntryPrefix):]
			exact, prefixes = &wl.Tags, &wl.TagPrefixes
		case strings.HasPrefix(lower, reportedEntryPrefix):
			entry = entry[len(reportedEntryPrefix):]
			exact, prefixes = &wl.Reported, &wl.ReportedPrefixes
		default:
			continue
		}

		if name, ok := strings.CutSuffix(entry, wildcardSuffix); ok {
			*prefixes = append(*prefixes, name)

			continue
		}

		if entry != "" {
			*exact = append(*exact, entry)
		}
	}

	wl.Tags = normalizeSet(wl.Tags)
	wl.Reported = normalizeSet(wl.Reported)
	wl.TagPrefixes = normalizeSet(wl.TagPrefixes)
	wl.ReportedPrefixes = normalizeSet(wl.ReportedPrefixes)

	return wl
}

// HasWildcards reports whether resolving the whitelist needs the live twin names.
func (wl Whitelist) HasWildcards() bool {
	return len(wl.TagPrefixes) > 0 || len(wl.ReportedPrefixes) > 0
}

// Resolve builds the property-name set: exact entries unconditionally, plus the live names
// matching a wildcard prefix.
func (wl Whitelist) Resolve(live DeviceTwinName) DevicePropertyServiceModel {
	model := DevicePropertyServiceModel{
		Tags:     append(slices.Clone(wl.Tags), filterByPrefix(live.Tags, wl.TagPrefixes)...),
		Reported: append(slices.Clone(wl.Reported), filterByPrefix(live.ReportedProperties, wl.ReportedPrefixes)...),
	}
	model.normalize()

	return model
}

func filterByPrefix(names, prefixes []string) []string {
	if len(prefixes) == 0 {
		return nil
	}

	var out []string

	for _, name := range names {
		for _, prefix := range prefixes {
			if strings.HasPrefix(name, prefix) {
				out = append(out, name)

				break
			}
		}
	}

	return out
}

func filterExact(names, exact []string) []string {
	var out []string

	for _, name := range names {
		if slices.Contains(exact, name) {
			out = append(out, name)
		}
	}

	return out
}
