package secrets

import (
	"fmt"
	"strings"
)

// NotFoundError reports a secret path or field that does not exist.
// Available names the valid alternatives at the level that failed: sibling
// paths when the path is unknown, sibling fields when the field is.
type NotFoundError struct {
	Path      string
	Field     string
	Available []string
}

func (e *NotFoundError) Error() string {
	avail := "none"
	if len(e.Available) > 0 {
		avail = strings.Join(e.Available, ", ")
	}
	if e.Field == "" {
		return fmt.Sprintf("secrets: unknown path %q (known paths: %s)", e.Path, avail)
	}
	return fmt.Sprintf("secrets: path %q has no field %q (available fields: %s)", e.Path, e.Field, avail)
}

// PermissionError reports a Vault 403. It deliberately does not say whether
// the path exists.
type PermissionError struct {
	Path string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("secrets: access denied reading %q", e.Path)
}
