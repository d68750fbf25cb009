package banner

import (
	"fmt"
	"io"
)

const Version = "1.0.0"

// Print writes the startup banner with the broker and storage modes.
func Print(w io.Writer, brokerMode, storageMode string) {
	banner := `
          _           _
__      _(_)_ __  ___(_) ___
\ \ /\ / / | '_ \/ __| |/ _ \
 \ V  V /| | |_) \__ \ |  __/
  \_/\_/ |_| .__/|___/_|\___|
           |_|  v%s - Task Worker
    `
	fmt.Fprintf(w, banner, Version)
	fmt.Fprintf(w, "\n  broker: %s | storage: %s\n", brokerMode, storageMode)
	fmt.Fprintln(w, "------------------------------------------------")
}
