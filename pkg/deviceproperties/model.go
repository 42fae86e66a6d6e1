package deviceproperties

import (
	"context"
	"slices"
)

const (
	// TagsPrefix is prepended to every tag name returned by GetList.
	TagsPrefix = "Tags."
	// ReportedPrefix is prepended to every reported property name returned by GetList.
	ReportedPrefix = "Properties.Reported."
)

// DevicePropertyServiceModel is the stored property-name document.
// Tags and Reported are kept sorted and free of duplicates.
// Built is set by the first completed rebuild and never cleared; lock acquisition and
// merges alone leave it false.
type DevicePropertyServiceModel struct {
	Tags       []string `json:"Tags"`
	Reported   []string `json:"Reported"`
	Rebuilding bool     `json:"Rebuilding"`
	Built      bool     `json:"Built"`
}

// DeviceTwinName is the set of tag and reported property leaf paths in use across twins.
type DeviceTwinName struct {
	Tags               []string `json:"Tags"`
	ReportedProperties []string `json:"ReportedProperties"`
}

// TwinNameSource enumerates the tag and reported property names currently in use.
type TwinNameSource interface {
	GetDeviceTwinNames(ctx context.Context) (DeviceTwinName, error)
}

// TwinNameSourceFunc adapts a function to TwinNameSource.
type TwinNameSourceFunc func(ctx context.Context) (DeviceTwinName, error)

// GetDeviceTwinNames calls f.
func (f TwinNameSourceFunc) GetDeviceTwinNames(ctx context.Context) (DeviceTwinName, error) {
	return f(ctx)
}

// setRebuilding is the lock mutator of the property document.
func setRebuilding(doc *DevicePropertyServiceModel, rebuilding bool) {
	doc.Rebuilding = rebuilding
}

// normalize sorts and deduplicates both name sets in place.
func (m *DevicePropertyServiceModel) normalize() {
	m.Tags = normalizeSet(m.Tags)
	m.Reported = normalizeSet(m.Reported)
}

// union returns a normalized model holding the names of both m and other.
// The Rebuilding and Built flags are taken from m.
func (m DevicePropertyServiceModel) union(other DevicePropertyServiceModel) DevicePropertyServiceModel {
	merged := DevicePropertyServiceModel{
		Tags:       normalizeSet(append(slices.Clone(m.Tags), other.Tags...)),
		Reported:   normalizeSet(append(slices.Clone(m.Reported), other.Reported...)),
		Rebuilding: m.Rebuilding,
		Built:      m.Built,
	}

	return merged
}

// sameNames reports whether both models carry exactly the same names.
func (m DevicePropertyServiceModel) sameNames(other DevicePropertyServiceModel) bool {
	return slices.Equal(normalizeSet(slices.Clone(m.Tags)), normalizeSet(slices.Clone(other.Tags))) &&
		slices.Equal(normalizeSet(slices.Clone(m.Reported)), normalizeSet(slices.Clone(other.Reported)))
}

// names returns the prefixed names exposed to readers.
func (m DevicePropertyServiceModel) names() []string {
	tags := normalizeSet(slices.Clone(m.Tags))
	reported := normalizeSet(slices.Clone(m.Reported))

	out := make([]string, 0, len(tags)+len(reported))
	for _, tag := range tags {
		out = append(out, TagsPrefix+tag)
	}

	for _, name := range reported {
		out = append(out, ReportedPrefix+name)
	}

	return out
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}

	slices.Sort(values)

	return slices.Compact(values)
}
