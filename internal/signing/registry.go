// internal/signing/registry.go
package signing

import "sort"

// Permission names a capability granted to a device.
type Permission string

const (
	PermPublishData  Permission = "publish_data"
	PermSendCommands Permission = "send_commands"
)

// Credential is the pre-shared secret and permission set of one device.
type Credential struct {
	SecretKey   string
	Permissions []Permission
}

// Registry maps device ids to credentials. It is never mutated after
// construction and is safe for concurrent use.
type Registry struct {
	devices map[string]Credential
}

// NewRegistry copies creds into a new Registry.
func NewRegistry(creds map[string]Credential) *Registry {
	devices := make(map[string]Credential, len(creds))
	for id, c := range creds {
		perms := make([]Permission, len(c.Permissions))
		copy(perms, c.Permissions)
		devices[id] = Credential{SecretKey: c.SecretKey, Permissions: perms}
	}
	return &Registry{devices: devices}
}

// Lookup returns the credential for id. ok is false for unregistered devices.
func (r *Registry) Lookup(id string) (Credential, bool) {
	c, ok := r.devices[id]
	return c, ok
}

// HasPermission reports whether a registered device holds perm.
func (r *Registry) HasPermission(id string, perm Permission) bool {
	c, ok := r.devices[id]
	if !ok {
		return false
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Devices lists registered ids in sorted order.
func (r *Registry) Devices() []string {
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
