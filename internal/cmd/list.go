package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/util"
)

// DoList prints the configured entries of domain (all domains when empty).
// Secrets are masked.
func DoList(registry *entry.Registry, domain string, w io.Writer) error {
	entries := registry.List(domain)
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No entries configured.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ENTRY ID\tDOMAIN\tTITLE\tUNIQUE ID\tTOKEN\tCREATED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.EntryID, e.Domain, e.Title, e.UniqueID,
			util.MaskToken(e.Data["token"]),
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
