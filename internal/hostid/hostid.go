// Package hostid resolves the journal identifier baked into object keys
// when the caller does not supply one explicitly (spec §6, "id" option).
package hostid

import (
	"os"

	"github.com/emidln/s3-journal/internal/idgen"
)

// Default returns the local hostname, or a random id if the hostname
// cannot be determined (a real failure mode in minimal containers that
// lack /etc/hostname).
func Default() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return idgen.NewString()
	}
	return name
}
