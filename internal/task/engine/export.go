package engine

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"tgninja/internal/storage"
)

// WriteMembers renders parsed members as a plain text list, one per line:
// @username when known, else the name with the id, else the bare id.
func WriteMembers(w io.Writer, members []storage.Member, at time.Time) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Parsed members")
	fmt.Fprintf(bw, "# Created: %s UTC\n", at.UTC().Format(time.DateTime))
	fmt.Fprintf(bw, "# Total: %d\n\n", len(members))
	for _, m := range members {
		switch {
		case m.Username != "":
			fmt.Fprintf(bw, "@%s\n", m.Username)
		case m.FirstName != "":
			name := m.FirstName
			if m.LastName != "" {
				name += " " + m.LastName
			}
			fmt.Fprintf(bw, "%s (ID: %d)\n", name, m.ID)
		default:
			fmt.Fprintf(bw, "ID: %d\n", m.ID)
		}
	}
	return bw.Flush()
}
