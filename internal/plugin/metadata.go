package plugin

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// InterfaceVersion is the plugin interface version implemented by this host.
// Plugins declaring the same major and a minor not greater than this one are
// compatible.
const InterfaceVersion = "1.0"

// Metadata describes a plugin. It is immutable once parsed.
type Metadata struct {
	ID                  string   `json:"id" yaml:"id" toml:"id" jsonschema:"required,pattern=^[a-z0-9_]+$"`
	Name                string   `json:"name" yaml:"name" toml:"name" jsonschema:"required,minLength=1"`
	Version             string   `json:"version" yaml:"version" toml:"version" jsonschema:"required,pattern=^[0-9]+[.][0-9]+$"`
	InterfaceVersion    string   `json:"interface_version" yaml:"interface_version" toml:"interface_version" jsonschema:"required,pattern=^[0-9]+[.][0-9]+$"`
	Description         string   `json:"description" yaml:"description" toml:"description" jsonschema:"required"`
	LongDescription     string   `json:"long_description,omitempty" yaml:"long_description,omitempty" toml:"long_description,omitempty"`
	License             string   `json:"license,omitempty" yaml:"license,omitempty" toml:"license,omitempty"`
	URL                 string   `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Maintainers         []string `json:"maintainers,omitempty" yaml:"maintainers,omitempty" toml:"maintainers,omitempty"`
	PluginDependencies  []string `json:"plugin_dependencies,omitempty" yaml:"plugin_dependencies,omitempty" toml:"plugin_dependencies,omitempty" jsonschema:"uniqueItems=true"`
	RuntimeDependencies []string `json:"runtime_dependencies,omitempty" yaml:"runtime_dependencies,omitempty" toml:"runtime_dependencies,omitempty"`
	BinaryDependencies  []string `json:"binary_dependencies,omitempty" yaml:"binary_dependencies,omitempty" toml:"binary_dependencies,omitempty"`
	Frontend            bool     `json:"frontend,omitempty" yaml:"frontend,omitempty" toml:"frontend,omitempty"`
}

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9_]+$`)
	versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
)

// ValidID reports whether id is a well formed plugin id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate checks the metadata invariants and interface compatibility.
// All problems are reported together.
func (m *Metadata) Validate() error {
	var errs []error
	if !ValidID(m.ID) {
		errs = append(errs, fmt.Errorf("id %q must match %s", m.ID, idPattern))
	}
	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !versionPattern.MatchString(m.Version) {
		errs = append(errs, fmt.Errorf("version %q must be <major>.<minor>", m.Version))
	}
	if !versionPattern.MatchString(m.InterfaceVersion) {
		errs = append(errs, fmt.Errorf("interface_version %q must be <major>.<minor>", m.InterfaceVersion))
	} else if err := CheckInterfaceVersion(m.InterfaceVersion); err != nil {
		errs = append(errs, err)
	}
	for _, dep := range m.PluginDependencies {
		if dep == m.ID {
			errs = append(errs, fmt.Errorf("plugin %q depends on itself", m.ID))
		} else if !ValidID(dep) {
			errs = append(errs, fmt.Errorf("dependency id %q is malformed", dep))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMetadata, errors.Join(errs...))
	}
	return nil
}

// CheckInterfaceVersion reports whether a plugin built against v can run on
// this host.
func CheckInterfaceVersion(v string) error {
	want, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("interface_version %q: %w", v, err)
	}
	host := semver.MustParse(InterfaceVersion)
	if want.Major() != host.Major() || want.Minor() > host.Minor() {
		return fmt.Errorf("%w: plugin requires %s, host provides %s", ErrIncompatibleInterface, v, InterfaceVersion)
	}
	return nil
}

// IsUser reports whether the plugin is a regular user plugin rather than a
// frontend implementation.
func (m *Metadata) IsUser() bool {
	return !m.Frontend
}

// String returns a short identification.
func (m *Metadata) String() string {
	return fmt.Sprintf("%s@%s", m.ID, m.Version)
}

// Clone returns a deep copy.
func (m *Metadata) Clone() Metadata {
	c := *m
	c.Maintainers = slices.Clone(m.Maintainers)
	c.PluginDependencies = slices.Clone(m.PluginDependencies)
	c.RuntimeDependencies = slices.Clone(m.RuntimeDependencies)
	c.BinaryDependencies = slices.Clone(m.BinaryDependencies)
	return c
}
