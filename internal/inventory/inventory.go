// Package inventory renders the Ansible inventory handed to role test
// containers.
package inventory

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"
)

const (
	// LocalGroup is the group holding the single localhost entry.  Every
	// other group lists it as its only child.
	LocalGroup = "local"

	// DockerGroup is always present so roles can target containerised
	// test hosts.
	DockerGroup = "docker"

	// ConnectionVar selects Ansible's local connection plugin.
	ConnectionVar = "ansible_connection"

	// InDockerVar tells roles they are running inside a test container.
	InDockerVar = "adroit_in_docker"

	// EnvValue is the value assigned to the configurable environment var.
	EnvValue = "docker"
)

// Builder renders inventories for a base name.  The zero value is not
// useful; BaseName and EnvVar must be set.
type Builder struct {
	// BaseName becomes a group of its own, e.g. "adroit".
	BaseName string

	// EnvVar is the inventory variable set to "docker", e.g. "env".
	EnvVar string

	// ExtraVars are added to the localhost line.  They never replace the
	// connection markers.
	ExtraVars map[string]string
}

// Groups returns the groups localhost is a member of when testing role.
// An empty role yields the base groups only.
func (b Builder) Groups(role string) []string {
	groups := []string{DockerGroup, b.BaseName}
	if role != "" {
		groups = append(groups, role)
	}

	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g == "" || g == LocalGroup || slices.Contains(out, g) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// Vars returns the host variables set on localhost.
func (b Builder) Vars() map[string]string {
	vars := make(map[string]string, len(b.ExtraVars)+3)
	maps.Copy(vars, b.ExtraVars)
	vars[ConnectionVar] = "local"
	vars[InDockerVar] = "true"
	vars[b.EnvVar] = EnvValue
	return vars
}

// Render returns the INI inventory for role.
func (b Builder) Render(role string) string {
	vars := b.Vars()

	var sb strings.Builder
	sb.WriteString("[" + LocalGroup + "]\n")
	sb.WriteString("localhost")
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		sb.WriteString(" " + k + "=" + quote(vars[k]))
	}
	sb.WriteString("\n")

	for _, g := range b.Groups(role) {
		sb.WriteString("\n[" + g + ":children]\n")
		sb.WriteString(LocalGroup + "\n")
	}
	return sb.String()
}

// CheckValue reports whether v can be written on the single localhost
// line.  Line breaks and other control characters cannot.
func CheckValue(v string) error {
	for _, r := range v {
		if r != '\t' && unicode.IsControl(r) {
			return fmt.Errorf("value %q contains control character %U", v, r)
		}
	}
	return nil
}

// quote double-quotes v when Ansible's INI parser would otherwise split
// or misread it.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"'\\#;") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
